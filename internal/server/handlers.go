package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
	"github.com/WangShayne/ScanWithWeb/internal/session"
	"github.com/WangShayne/ScanWithWeb/internal/version"
)

// requestTimeout bounds the synchronous router calls a handler makes.
const requestTimeout = 30 * time.Second

// dispatch handles one inbound text frame: the legacy wake-up shortcut,
// then codec, auth, and the per-action handler. Panics in a handler never
// take the daemon down; the client gets INTERNAL_ERROR.
func (s *Server) dispatch(c *client, frame []byte) {
	if string(frame) == protocol.LegacyWakeFrame {
		log.Printf("[Gateway] legacy wake-up frame from connection %s", c.id)
		eventbus.Publish(context.Background(), s.opts.Bus, eventbus.UI.Wake, eventbus.SourceGateway, eventbus.UIWakeEvent{
			RemoteAddr: c.conn.RemoteAddr().String(),
		})
		return
	}

	req, err := protocol.Decode(frame)
	if err != nil {
		var decodeErr *protocol.DecodeError
		requestID := ""
		if errors.As(err, &decodeErr) {
			requestID = decodeErr.RequestID
		}
		c.sendError("", requestID, protocol.ErrInvalidRequest, err.Error())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Gateway] handler panic on %s %s: %v", req.Action, req.RequestID, r)
			c.sendError(req.Action, req.RequestID, protocol.ErrInternalError, "internal error")
		}
	}()

	var sess *session.Session
	switch req.Action {
	case protocol.ActionAuthenticate, protocol.ActionPing:
		// Unauthenticated actions.
	default:
		if req.Token == "" {
			c.sendError(req.Action, req.RequestID, protocol.ErrUnauthorized, "token required")
			return
		}
		sess = s.opts.Sessions.Validate(req.Token)
		if sess == nil {
			c.sendError(req.Action, req.RequestID, protocol.ErrInvalidToken, "token is invalid or expired")
			return
		}
	}

	switch req.Action {
	case protocol.ActionAuthenticate:
		s.handleAuthenticate(c, req)
	case protocol.ActionPing:
		s.handlePing(c, req)
	case protocol.ActionListScanners:
		s.handleListScanners(c, req)
	case protocol.ActionSelectScanner:
		s.handleSelectScanner(c, req, sess)
	case protocol.ActionGetCapabilities:
		s.handleGetCapabilities(c, req)
	case protocol.ActionGetDeviceCapabilities:
		s.handleGetDeviceCapabilities(c, req)
	case protocol.ActionApplyDeviceSettings:
		s.handleApplyDeviceSettings(c, req)
	case protocol.ActionScan:
		s.handleScan(c, req, sess)
	case protocol.ActionStopScan:
		s.handleStopScan(c, req, sess)
	}
}

func (s *Server) handleAuthenticate(c *client, req *protocol.Request) {
	sess, err := s.opts.Sessions.Create(c.id, req.ClientID)
	if err != nil {
		log.Printf("[Gateway] create session: %v", err)
		c.sendError(req.Action, req.RequestID, protocol.ErrInternalError, "could not create session")
		return
	}
	if sess == nil {
		c.sendError(req.Action, req.RequestID, protocol.ErrInternalError, "maximum number of sessions reached")
		return
	}

	c.sendResponse(protocol.Response{
		Status:        protocol.StatusSuccess,
		Action:        req.Action,
		RequestID:     req.RequestID,
		Token:         sess.Token,
		ExpiresAt:     sess.ExpiresAt().UTC().Format(time.RFC3339),
		ServerVersion: version.String(),
	})
}

func (s *Server) handlePing(c *client, req *protocol.Request) {
	c.sendResponse(protocol.Response{
		Status:    protocol.StatusSuccess,
		Action:    protocol.ActionPong,
		RequestID: req.RequestID,
		Message:   "pong",
	})
}

func (s *Server) handleListScanners(c *client, req *protocol.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var filter []string
	if req.Settings != nil {
		filter = req.Settings.Protocols
	}

	devices, err := s.opts.Router.Enumerate(ctx, filter)
	if err != nil {
		c.sendError(req.Action, req.RequestID, protocol.ErrInternalError, err.Error())
		return
	}
	if len(devices) == 0 {
		c.sendError(req.Action, req.RequestID, protocol.ErrNoScannersAvailable, "no scanners available")
		return
	}

	c.sendResponse(protocol.Response{
		Status:    protocol.StatusSuccess,
		Action:    req.Action,
		RequestID: req.RequestID,
		Scanners:  devices,
	})
}

func (s *Server) handleSelectScanner(c *client, req *protocol.Request, sess *session.Session) {
	deviceID := ""
	if req.Settings != nil {
		deviceID = req.Settings.Source
	}
	if deviceID == "" {
		c.sendError(req.Action, req.RequestID, protocol.ErrInvalidRequest, "settings.source must name a scanner id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := s.opts.Router.Select(ctx, deviceID); err != nil {
		c.sendError(req.Action, req.RequestID, protocol.ErrScannerNotFound, err.Error())
		return
	}

	sess.SetSelectedScanner(deviceID)
	if s.opts.Prefs != nil {
		tag, _ := scanner.ParseDeviceID(deviceID)
		s.opts.Prefs.SetDefaultDevice(deviceID, tag)
	}

	c.sendResponse(protocol.Response{
		Status:    protocol.StatusSuccess,
		Action:    req.Action,
		RequestID: req.RequestID,
		ScannerID: deviceID,
	})
}

func (s *Server) handleGetCapabilities(c *client, req *protocol.Request) {
	info, err := s.opts.Router.CurrentCapabilities()
	if err != nil {
		c.sendError(req.Action, req.RequestID, protocol.ErrScannerNotFound, err.Error())
		return
	}

	c.sendResponse(protocol.Response{
		Status:    protocol.StatusSuccess,
		Action:    req.Action,
		RequestID: req.RequestID,
		Scanners:  []protocol.DeviceInfo{info},
	})
}

func (s *Server) handleGetDeviceCapabilities(c *client, req *protocol.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	deviceID, tag, caps, err := s.opts.Router.DeviceCapabilities(ctx)
	if err != nil {
		c.sendError(req.Action, req.RequestID, protocol.ErrScannerNotFound, err.Error())
		return
	}

	c.sendResponse(protocol.Response{
		Status:       protocol.StatusSuccess,
		Action:       req.Action,
		RequestID:    req.RequestID,
		ScannerID:    deviceID,
		Protocol:     tag,
		Capabilities: caps,
	})
}

func (s *Server) handleApplyDeviceSettings(c *client, req *protocol.Request) {
	if req.Patch == nil && len(req.Advanced) == 0 {
		c.sendError(req.Action, req.RequestID, protocol.ErrInvalidRequest, "patch or advanced settings required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	results, err := s.opts.Router.ApplyPatch(ctx, req.Patch, req.Advanced)
	if err != nil {
		if errors.Is(err, scanner.ErrNoDevice) {
			c.sendError(req.Action, req.RequestID, protocol.ErrScannerNotFound, err.Error())
			return
		}
		c.sendError(req.Action, req.RequestID, protocol.ErrInternalError, err.Error())
		return
	}

	_, deviceID, _ := s.opts.Router.Current()
	tag, _ := scanner.ParseDeviceID(deviceID)

	c.sendResponse(protocol.Response{
		Status:    protocol.StatusSuccess,
		Action:    req.Action,
		RequestID: req.RequestID,
		ScannerID: deviceID,
		Protocol:  tag,
		Results:   results,
	})
}

// handleScan implements the scan algorithm: claim the session, apply the
// request settings, bind the scoped event handlers, start the job, and
// return; pages and the terminal frame are delivered asynchronously.
func (s *Server) handleScan(c *client, req *protocol.Request, sess *session.Session) {
	settings := protocol.DefaultScanSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	normalized, err := scanner.Normalize(settings)
	if err != nil {
		c.sendError(req.Action, req.RequestID, protocol.ErrInvalidRequest, err.Error())
		return
	}

	if !sess.BeginScan(req.RequestID) {
		c.sendError(req.Action, req.RequestID, protocol.ErrScannerBusy, "a scan is already in progress for this session")
		return
	}

	release := func() {
		s.registry.unregister(req.RequestID)
		sess.EndScan(req.RequestID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := s.opts.Router.ApplySettings(ctx, normalized); err != nil {
		release()
		switch {
		case errors.Is(err, scanner.ErrNoDevice):
			c.sendError(req.Action, req.RequestID, protocol.ErrScannerNotFound, "no scanner selected")
		case errors.Is(err, scanner.ErrBusy):
			c.sendError(req.Action, req.RequestID, protocol.ErrScannerBusy, "the scanner is busy with another session")
		default:
			c.sendError(req.Action, req.RequestID, protocol.ErrScanFailed, err.Error())
		}
		return
	}

	s.registry.register(req.RequestID, s.bindScanHandlers(c, req, sess, normalized))

	if err := s.opts.Router.StartScan(ctx, req.RequestID); err != nil {
		release()
		switch {
		case errors.Is(err, scanner.ErrBusy):
			c.sendError(req.Action, req.RequestID, protocol.ErrScannerBusy, "the scanner is busy with another session")
		case errors.Is(err, scanner.ErrNoDevice):
			c.sendError(req.Action, req.RequestID, protocol.ErrScannerNotFound, "no scanner selected")
		case errors.Is(err, scanner.ErrUIRequired):
			c.sendError(req.Action, req.RequestID, protocol.ErrScanFailed,
				"the driver requires its own dialog; retry with showUI=true")
		default:
			c.sendError(req.Action, req.RequestID, protocol.ErrScanFailed, err.Error())
		}
	}
}

// bindScanHandlers builds the three scoped handlers for one job. Every
// frame goes to the originating session's connection only. When the vendor
// dialog owns the device-side page cap, the gateway enforces the client's
// cap here instead.
func (s *Server) bindScanHandlers(c *client, req *protocol.Request, sess *session.Session, settings protocol.ScanSettings) *jobHandlers {
	enforceCap := settings.ShowUI && settings.MaxPages > 0

	finish := func() {
		s.registry.unregister(req.RequestID)
		sess.EndScan(req.RequestID)
	}

	return &jobHandlers{
		onPage: func(ev eventbus.PageEvent) {
			data, format := s.recomp.Recompress(ev.Data, ev.Meta.Format)

			c.sendResponse(protocol.Response{
				Status:    protocol.StatusScanning,
				Action:    req.Action,
				RequestID: req.RequestID,
				Metadata: &protocol.PageMetadata{
					Width:  ev.Meta.Width,
					Height: ev.Meta.Height,
					Format: format,
					Size:   len(data),
					DPI:    ev.Meta.DPI,
				},
				Data:       base64.StdEncoding.EncodeToString(data),
				PageNumber: ev.Ordinal,
			})

			if enforceCap && ev.Ordinal >= settings.MaxPages {
				// The driver was left uncapped under its dialog; cut the
				// job here so the session still observes maxPages.
				finish()
				s.opts.Router.StopScan()
				c.sendResponse(protocol.Response{
					Status:     protocol.StatusCompleted,
					Action:     req.Action,
					RequestID:  req.RequestID,
					TotalPages: ev.Ordinal,
				})
			}
		},

		onCompleted: func(ev eventbus.CompletedEvent) {
			finish()
			c.sendResponse(protocol.Response{
				Status:     protocol.StatusCompleted,
				Action:     req.Action,
				RequestID:  req.RequestID,
				TotalPages: ev.TotalPages,
			})
		},

		onError: func(ev eventbus.ErrorEvent) {
			finish()
			c.sendResponse(protocol.Response{
				Status:       protocol.StatusError,
				Action:       req.Action,
				RequestID:    req.RequestID,
				ErrorCode:    protocol.ErrScanFailed,
				Message:      "scan failed",
				ErrorDetails: ev.Message,
			})
		},
	}
}

// handleStopScan cancels the session's job. Handlers are unregistered
// before the router stops the backend, so a late terminal event cannot race
// the cancellation acknowledgment. Idempotent: no active job still answers
// cancelled.
func (s *Server) handleStopScan(c *client, req *protocol.Request, sess *session.Session) {
	if requestID, scanning := sess.ActiveScan(); scanning {
		s.registry.unregister(requestID)
		s.opts.Router.StopScan()
		sess.EndScan(requestID)
	}

	c.sendResponse(protocol.Response{
		Status:    protocol.StatusCancelled,
		Action:    req.Action,
		RequestID: req.RequestID,
	})
}
