package escl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
)

// device is one discovered or registered network scanner. The local id is
// the endpoint the device was reached at.
type device struct {
	host string // host:port
	base string // scheme://host:port
	name string
	caps *capabilitiesDoc
}

// Backend drives network scanners, tag "e". All device I/O runs on the
// drain goroutine; the router-facing methods never block on the network
// except Select, which fetches the capabilities document, and Enumerate
// while its device cache is empty, which runs a probe round.
type Backend struct {
	bus  *eventbus.Bus
	http *http.Client

	mu        sync.Mutex
	hosts     []string           // candidate endpoints for discovery
	devices   map[string]*device // host → device
	selected  *device
	settings  protocol.ScanSettings
	hasApply  bool
	jobCancel context.CancelFunc
	quality   int // experimental compression override, 0 = untouched

	job scanner.Job
}

// New creates the network backend publishing events on bus.
func New(bus *eventbus.Bus) *Backend {
	return &Backend{
		bus:     bus,
		http:    newHTTPClient(),
		devices: make(map[string]*device),
	}
}

// Name returns the backend tag.
func (b *Backend) Name() string { return scanner.TagESCL }

// Initialize prepares the backend. The network stack needs no library
// setup; discovery fills the device cache once started.
func (b *Backend) Initialize() error { return nil }

// Shutdown aborts any running job and drops the device cache.
func (b *Backend) Shutdown() {
	b.Stop()
	b.mu.Lock()
	b.devices = make(map[string]*device)
	b.selected = nil
	b.mu.Unlock()
}

// AddHost registers a manual host:port endpoint for probing.
func (b *Backend) AddHost(host string) {
	host = strings.TrimSpace(host)
	if host == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.hosts {
		if h == host {
			return
		}
	}
	b.hosts = append(b.hosts, host)
}

// Enumerate lists the cached devices. When the cache is empty and
// candidate hosts exist, one synchronous probe round runs first so a
// freshly started daemon can still answer list_scanners.
func (b *Backend) Enumerate(ctx context.Context) ([]scanner.Device, error) {
	b.mu.Lock()
	empty := len(b.devices) == 0
	b.mu.Unlock()

	if empty {
		b.probeAll(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	devices := make([]scanner.Device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, scanner.Device{
			ID:   d.host,
			Name: d.name,
		})
	}
	return devices, nil
}

// Select opens a device: the capabilities document is (re)fetched so later
// capability queries and settings validation reflect the live device.
func (b *Backend) Select(localID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	d := b.deviceFor(localID)
	if d == nil {
		probed, err := b.probeHost(ctx, localID)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", scanner.ErrDeviceNotFound, localID, err)
		}
		d = probed
	}

	caps, err := newClient(d.base, b.http).capabilities(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", scanner.ErrDeviceNotFound, localID, err)
	}

	b.mu.Lock()
	d.caps = caps
	b.selected = d
	b.mu.Unlock()
	return nil
}

// Capabilities returns the baseline snapshot plus this backend's
// experimental compression key.
func (b *Backend) Capabilities(localID string) ([]protocol.CapabilityInfo, error) {
	d := b.deviceFor(localID)
	if d == nil || d.caps == nil {
		b.mu.Lock()
		d = b.selected
		b.mu.Unlock()
	}
	if d == nil || d.caps == nil {
		return nil, scanner.ErrNoDevice
	}

	caps := scanner.BaselineCapabilities(scanner.CapabilityOptions{
		DPIValues:      resolutionList(d.caps),
		PixelTypes:     pixelTypeList(d.caps),
		PaperSizes:     []string{"A4", "A5", "Letter", "Legal"},
		SupportsADF:    d.caps.ADF != nil,
		SupportsDuplex: d.caps.ADF != nil && d.caps.ADF.Duplex != nil,
		SupportsShowUI: false,
	})

	caps = append(caps, protocol.CapabilityInfo{
		Key:          "e:compressionFactor",
		Label:        "JPEG compression factor",
		Description:  "Device-side compression level for JPEG transfers",
		Type:         protocol.CapTypeInt,
		IsReadable:   true,
		IsWritable:   true,
		Experimental: true,
	})
	return caps, nil
}

// Apply stores the canonical settings. Network jobs carry their settings in
// the job-creation document, so nothing reaches the device until Start.
func (b *Backend) Apply(settings protocol.ScanSettings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected == nil {
		return scanner.ErrNoDevice
	}
	b.settings = settings
	b.hasApply = true
	return nil
}

// ApplyAdvanced handles the experimental keys.
func (b *Backend) ApplyAdvanced(key string, value any) error {
	switch key {
	case "compressionFactor":
		n, ok := toInt(value)
		if !ok || n < 1 || n > 100 {
			return fmt.Errorf("escl: compressionFactor must be 1..100, got %v", value)
		}
		b.mu.Lock()
		b.quality = n
		b.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("escl: unknown advanced key %q", key)
	}
}

// Start creates the device-side job and drains its documents on a separate
// goroutine. It never blocks the caller across pages.
func (b *Backend) Start(ctx context.Context, requestID string) error {
	b.mu.Lock()
	d := b.selected
	settings := b.settings
	hasApply := b.hasApply
	b.mu.Unlock()

	if d == nil {
		return scanner.ErrNoDevice
	}
	if !hasApply {
		settings = protocol.DefaultScanSettings()
	}
	if !b.job.Begin(requestID) {
		return scanner.ErrBusy
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.jobCancel = cancel
	b.mu.Unlock()

	go b.drain(jobCtx, d, settings, requestID)
	return nil
}

// Stop aborts the active job. The terminated transition here wins over any
// in-flight drain result, so no terminal event follows a stop.
func (b *Backend) Stop() {
	b.job.Terminate()

	b.mu.Lock()
	cancel := b.jobCancel
	b.jobCancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.job.Release()
}

// drain creates the job and loops NextDocument until the stream ends.
func (b *Backend) drain(ctx context.Context, d *device, settings protocol.ScanSettings, requestID string) {
	c := newClient(d.base, b.http)

	jobURI, err := c.createJob(ctx, b.jobSettings(d, settings))
	if err != nil {
		b.terminateWithError(requestID, fmt.Sprintf("create scan job: %v", err))
		return
	}
	defer func() {
		// Release the device-side job so the scanner is reusable without a
		// full reinitialize, even after errors or cancellation.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		c.deleteJob(cleanupCtx, jobURI)
		cancel()
	}()

	for {
		if b.job.Terminated() {
			return
		}

		doc, err := c.nextDocument(ctx, jobURI)
		if err != nil {
			switch {
			case errors.Is(err, errNoMoreDocuments):
				b.terminateCompleted(requestID)
			case ctx.Err() != nil:
				// Cancelled by Stop; the stop path already owns the job.
			case b.job.Pages() > 0:
				// Transfer errors after at least one page mean the feeder
				// ran dry mid-negotiation on some firmwares.
				log.Printf("[ESCL] transfer error after %d page(s), treating as completion: %v", b.job.Pages(), err)
				b.terminateCompleted(requestID)
			default:
				b.terminateWithError(requestID, err.Error())
			}
			return
		}

		ordinal := b.job.PageDelivered()
		if ordinal == 0 {
			return // terminated while the fetch was in flight
		}

		meta := pageMeta(doc, settings.DPI)
		eventbus.Publish(ctx, b.bus, eventbus.Scan.Page, eventbus.SourceBackendESCL, eventbus.PageEvent{
			Backend:   scanner.TagESCL,
			RequestID: requestID,
			Ordinal:   ordinal,
			Data:      doc.data,
			Meta:      meta,
		})

		if settings.MaxPages > 0 && ordinal >= settings.MaxPages {
			b.terminateCompleted(requestID)
			return
		}
	}
}

func (b *Backend) terminateCompleted(requestID string) {
	if !b.job.Terminate() {
		return
	}
	total := b.job.Pages()
	b.job.Release()
	eventbus.Publish(context.Background(), b.bus, eventbus.Scan.Completed, eventbus.SourceBackendESCL, eventbus.CompletedEvent{
		Backend:    scanner.TagESCL,
		RequestID:  requestID,
		TotalPages: total,
	})
}

func (b *Backend) terminateWithError(requestID, message string) {
	if !b.job.Terminate() {
		return
	}
	b.job.Release()
	eventbus.Publish(context.Background(), b.bus, eventbus.Scan.Error, eventbus.SourceBackendESCL, eventbus.ErrorEvent{
		Backend:   scanner.TagESCL,
		RequestID: requestID,
		Message:   message,
	})
}

// jobSettings maps canonical settings onto the job-creation document.
func (b *Backend) jobSettings(d *device, s protocol.ScanSettings) scanSettingsDoc {
	source := "Platen"
	if s.UseADF && d.caps != nil && d.caps.ADF != nil {
		source = "Feeder"
	}

	colorMode := "RGB24"
	switch s.PixelType {
	case scanner.PixelGray8:
		colorMode = "Grayscale8"
	case scanner.PixelBW1:
		colorMode = "BlackAndWhite1"
	}

	b.mu.Lock()
	quality := b.quality
	b.mu.Unlock()

	return scanSettingsDoc{
		XMLNSScan:         "http://schemas.hp.com/imaging/escl/2011/05/03",
		XMLNSPwg:          "http://www.pwg.org/schemas/2010/12/sm",
		Version:           "2.63",
		InputSource:       source,
		ColorMode:         colorMode,
		XResolution:       s.DPI,
		YResolution:       s.DPI,
		DocumentFormat:    "image/jpeg",
		Duplex:            s.Duplex && source == "Feeder",
		CompressionFactor: quality,
	}
}

func (b *Backend) deviceFor(host string) *device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[host]
}

// pageMeta derives frame metadata. Dimensions come from the image header
// when it parses; the payload is passed through either way.
func pageMeta(doc *document, dpi int) eventbus.PageMeta {
	format := formatFromContentType(doc.contentType)
	meta := eventbus.PageMeta{
		Format: format,
		Size:   len(doc.data),
		DPI:    dpi,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(doc.data)); err == nil {
		meta.Width = cfg.Width
		meta.Height = cfg.Height
	}
	return meta
}

func formatFromContentType(ct string) string {
	switch {
	case strings.Contains(ct, "jpeg"):
		return "jpg"
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "pdf"):
		return "pdf"
	case strings.Contains(ct, "tiff"):
		return "tiff"
	default:
		return "jpg"
	}
}

func resolutionList(caps *capabilitiesDoc) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(src *inputSource) {
		if src == nil {
			return
		}
		for _, r := range src.Resolutions {
			if r.XResolution > 0 && !seen[r.XResolution] {
				seen[r.XResolution] = true
				out = append(out, r.XResolution)
			}
		}
	}
	add(caps.Platen)
	if caps.ADF != nil {
		add(caps.ADF.Simplex)
		add(caps.ADF.Duplex)
	}
	if len(out) == 0 {
		out = []int{100, 200, 300, 600}
	}
	return out
}

func pixelTypeList(caps *capabilitiesDoc) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(src *inputSource) {
		if src == nil {
			return
		}
		for _, m := range src.ColorModes {
			var canon string
			switch m {
			case "RGB24", "RGB48":
				canon = scanner.PixelRGB
			case "Grayscale8", "Grayscale16":
				canon = scanner.PixelGray8
			case "BlackAndWhite1":
				canon = scanner.PixelBW1
			default:
				continue
			}
			if !seen[canon] {
				seen[canon] = true
				out = append(out, canon)
			}
		}
	}
	add(caps.Platen)
	if caps.ADF != nil {
		add(caps.ADF.Simplex)
		add(caps.ADF.Duplex)
	}
	if len(out) == 0 {
		out = []string{scanner.PixelRGB, scanner.PixelGray8, scanner.PixelBW1}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
