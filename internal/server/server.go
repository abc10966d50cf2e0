// Package server is the WebSocket gateway: it owns the two loopback
// listeners, the per-connection lifecycle, request dispatch, and the
// per-job event bindings that stream pages back to the requesting session
// only.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/imaging"
	"github.com/WangShayne/ScanWithWeb/internal/prefs"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
	"github.com/WangShayne/ScanWithWeb/internal/session"
)

// Options wire the gateway's collaborators.
type Options struct {
	WsPort   int
	WssPort  int
	TLSCert  *tls.Certificate // nil disables the TLS listener
	Sessions *session.Store
	Router   *scanner.Router
	Bus      *eventbus.Bus
	Prefs    *prefs.Store
}

// Server is the dual-port WebSocket gateway.
type Server struct {
	opts     Options
	recomp   *imaging.Recompressor
	registry *jobRegistry
	upgrader websocket.Upgrader

	mu           sync.Mutex
	clients      map[string]*client
	plain        *http.Server
	secure       *http.Server
	plainLn      net.Listener
	secureLn     net.Listener
	cancel       context.CancelFunc
	errCh        chan error
	wg           sync.WaitGroup
	subsClosed   []func()
	plainActual  int
	secureActual int
}

// New creates the gateway.
func New(opts Options) *Server {
	return &Server{
		opts:     opts,
		recomp:   imaging.NewRecompressor(),
		registry: newJobRegistry(),
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"))
			},
		},
	}
}

// Start binds the listeners and launches the event dispatcher. The daemon
// only fails when neither listener could bind; losing just the TLS side is
// logged and the plaintext listener carries on.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.errCh = make(chan error, 2)
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	var bound int

	plainLn, err := net.Listen("tcp", loopbackAddr(s.opts.WsPort))
	if err != nil {
		log.Printf("[Gateway] plaintext listener on port %d failed: %v", s.opts.WsPort, err)
	} else {
		srv := &http.Server{Handler: mux}
		s.mu.Lock()
		s.plain = srv
		s.plainLn = plainLn
		s.plainActual = listenerPort(plainLn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.Serve(plainLn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				s.pushError(err)
			}
		}()
		bound++
		log.Printf("[Gateway] listening on ws://%s", plainLn.Addr())
	}

	if s.opts.TLSCert != nil {
		secureLn, err := net.Listen("tcp", loopbackAddr(s.opts.WssPort))
		if err != nil {
			log.Printf("[Gateway] TLS listener on port %d failed: %v", s.opts.WssPort, err)
		} else {
			tlsConfig := &tls.Config{
				Certificates: []tls.Certificate{*s.opts.TLSCert},
				MinVersion:   tls.VersionTLS12,
			}
			srv := &http.Server{Handler: mux, TLSConfig: tlsConfig}
			s.mu.Lock()
			s.secure = srv
			s.secureLn = secureLn
			s.secureActual = listenerPort(secureLn)
			s.mu.Unlock()
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := srv.Serve(tls.NewListener(secureLn, tlsConfig)); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
					s.pushError(err)
				}
			}()
			bound++
			log.Printf("[Gateway] listening on wss://%s", secureLn.Addr())
		}
	} else {
		log.Printf("[Gateway] no certificate available, TLS listener disabled")
	}

	if bound == 0 {
		cancel()
		return fmt.Errorf("gateway: no listener could bind (ports %d/%d)", s.opts.WsPort, s.opts.WssPort)
	}

	s.startDispatcher(runCtx)
	return nil
}

// Shutdown stops the listeners and drops every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	plain, secure := s.plain, s.secure
	s.plain, s.secure = nil, nil
	s.plainLn, s.secureLn = nil, nil
	closers := s.subsClosed
	s.subsClosed = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, closeSub := range closers {
		closeSub()
	}

	for _, srv := range []*http.Server{plain, secure} {
		if srv == nil {
			continue
		}
		shutdownCtx, c := context.WithTimeout(ctx, 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			srv.Close()
		}
		c()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Errors exposes fatal listener errors to the service host.
func (s *Server) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errCh == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return s.errCh
}

// Port returns the bound plaintext port (useful when configured as 0).
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plainActual
}

// SecurePort returns the bound TLS port, or 0 when TLS is disabled.
func (s *Server) SecurePort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secureActual
}

func (s *Server) pushError(err error) {
	s.mu.Lock()
	ch := s.errCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// handleUpgrade accepts a WebSocket connection on either listener.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		server: s,
		secure: r.TLS != nil,
	}

	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()

	log.Printf("[Gateway] connection %s opened from %s (secure=%t, %d total)", c.id, r.RemoteAddr, c.secure, count)

	go c.writePump()
	go c.readPump()
}

// removeClient tears down a dropped connection: any scan owned by its
// session is stopped, and the session itself is removed.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	s.mu.Unlock()

	close(c.done)

	if sess := s.opts.Sessions.ByConnection(c.id); sess != nil {
		if requestID, scanning := sess.ActiveScan(); scanning {
			log.Printf("[Gateway] connection %s dropped mid-scan, stopping job %s", c.id, requestID)
			s.registry.unregister(requestID)
			s.opts.Router.StopScan()
		}
	}
	s.opts.Sessions.RemoveByConnection(c.id)
	log.Printf("[Gateway] connection %s closed", c.id)
}

// startDispatcher routes scan events from the bus to the handlers bound by
// the originating requests. The page channel is drained preferentially so a
// job's terminal event never overtakes its pages.
func (s *Server) startDispatcher(ctx context.Context) {
	pages := s.opts.Bus.Subscribe(eventbus.TopicScanPage, eventbus.WithSubscriptionName("gateway"))
	completed := s.opts.Bus.Subscribe(eventbus.TopicScanCompleted, eventbus.WithSubscriptionName("gateway"))
	failed := s.opts.Bus.Subscribe(eventbus.TopicScanError, eventbus.WithSubscriptionName("gateway"))

	s.mu.Lock()
	s.subsClosed = append(s.subsClosed, pages.Close, completed.Close, failed.Close)
	s.mu.Unlock()

	go func() {
		for {
			// Bias toward pending pages before considering terminal events.
			select {
			case env, ok := <-pages.C():
				if !ok {
					return
				}
				s.routePage(env)
				continue
			default:
			}

			select {
			case <-ctx.Done():
				return
			case env, ok := <-pages.C():
				if !ok {
					return
				}
				s.routePage(env)
			case env, ok := <-completed.C():
				if !ok {
					return
				}
				if ev, good := env.Payload.(eventbus.CompletedEvent); good {
					if h := s.registry.lookup(ev.RequestID); h != nil && h.onCompleted != nil {
						h.onCompleted(ev)
					}
				}
			case env, ok := <-failed.C():
				if !ok {
					return
				}
				if ev, good := env.Payload.(eventbus.ErrorEvent); good {
					if h := s.registry.lookup(ev.RequestID); h != nil && h.onError != nil {
						h.onError(ev)
					}
				}
			}
		}
	}()
}

func (s *Server) routePage(env eventbus.Envelope) {
	ev, ok := env.Payload.(eventbus.PageEvent)
	if !ok {
		return
	}
	if h := s.registry.lookup(ev.RequestID); h != nil && h.onPage != nil {
		h.onPage(ev)
	}
}

func loopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func listenerPort(l net.Listener) int {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
