package wia

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
)

// Backend drives WIA-family devices, tag "b".
type Backend struct {
	bus    *eventbus.Bus
	driver Driver

	mu         sync.Mutex
	ready      bool
	selectedID string
	settings   protocol.ScanSettings
	hasApply   bool

	job scanner.Job
}

// New creates the backend over the platform driver.
func New(bus *eventbus.Bus) *Backend {
	return NewWithDriver(bus, newPlatformDriver())
}

// NewWithDriver creates the backend over an explicit seam for tests.
func NewWithDriver(bus *eventbus.Bus, driver Driver) *Backend {
	return &Backend{bus: bus, driver: driver}
}

// Name returns the backend tag.
func (b *Backend) Name() string { return scanner.TagWIA }

// Initialize binds to the imaging service.
func (b *Backend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.driver.Open(); err != nil {
		return fmt.Errorf("%w: %v", scanner.ErrUnavailable, err)
	}
	b.ready = true
	return nil
}

// Shutdown releases the device and the service binding.
func (b *Backend) Shutdown() {
	b.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.driver.Disconnect()
	b.driver.Close()
	b.ready = false
	b.selectedID = ""
}

// Enumerate lists registered devices.
func (b *Backend) Enumerate(ctx context.Context) ([]scanner.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil, scanner.ErrUnavailable
	}

	infos, err := b.driver.List()
	if err != nil {
		return nil, err
	}

	devices := make([]scanner.Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, scanner.Device{
			ID:        info.ID,
			Name:      info.Name,
			IsDefault: info.IsDefault,
		})
	}
	return devices, nil
}

// Select connects the device, invalidating any prior connection.
func (b *Backend) Select(localID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return scanner.ErrUnavailable
	}
	if !b.job.Terminated() {
		return scanner.ErrBusy
	}

	b.driver.Disconnect()
	if err := b.driver.Connect(localID); err != nil {
		return fmt.Errorf("%w: %q: %v", scanner.ErrDeviceNotFound, localID, err)
	}
	b.selectedID = localID
	b.hasApply = false
	return nil
}

// Capabilities builds the snapshot for the connected device.
func (b *Backend) Capabilities(localID string) ([]protocol.CapabilityInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selectedID == "" {
		return nil, scanner.ErrNoDevice
	}
	if localID != "" && localID != b.selectedID {
		return nil, fmt.Errorf("%w: %q is not the connected device", scanner.ErrDeviceNotFound, localID)
	}

	supportsADF := false
	supportsDuplex := false
	if v, err := b.driver.GetProp(PropDocumentHandling); err == nil {
		if flags, ok := toInt(v); ok {
			supportsADF = flags&HandlingFeeder != 0
			supportsDuplex = flags&HandlingDuplex != 0
		}
	}

	caps := scanner.BaselineCapabilities(scanner.CapabilityOptions{
		DPIValues:      []int{75, 100, 150, 200, 300, 600, 1200},
		PixelTypes:     []string{scanner.PixelRGB, scanner.PixelGray8, scanner.PixelBW1},
		PaperSizes:     []string{"A4", "Letter", "Legal", "A5"},
		SupportsADF:    supportsADF,
		SupportsDuplex: supportsDuplex,
		SupportsShowUI: true,
	})

	caps = append(caps,
		protocol.CapabilityInfo{
			Key:          "b:brightness",
			Label:        "Brightness",
			Type:         protocol.CapTypeInt,
			IsReadable:   true,
			IsWritable:   true,
			Experimental: true,
		},
		protocol.CapabilityInfo{
			Key:          "b:contrast",
			Label:        "Contrast",
			Type:         protocol.CapTypeInt,
			IsReadable:   true,
			IsWritable:   true,
			Experimental: true,
		},
	)
	return caps, nil
}

// Apply pushes the canonical settings onto the device. Properties the
// device rejects are logged and skipped; the transfer-count rule matches
// the driver quirk: no page cap under the vendor dialog.
func (b *Backend) Apply(settings protocol.ScanSettings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selectedID == "" {
		return scanner.ErrNoDevice
	}
	if !b.job.Terminated() {
		return scanner.ErrBusy
	}

	setSoft := func(prop PropID, value any, what string) {
		if err := b.driver.SetProp(prop, value); err != nil {
			log.Printf("[WIA] device ignored %s=%v: %v", what, value, err)
		}
	}

	setSoft(PropHorizontalRes, settings.DPI, "xres")
	setSoft(PropVerticalRes, settings.DPI, "yres")

	switch settings.PixelType {
	case scanner.PixelRGB:
		setSoft(PropDataType, DataTypeColor, "datatype")
	case scanner.PixelGray8:
		setSoft(PropDataType, DataTypeGrayscale, "datatype")
	case scanner.PixelBW1:
		setSoft(PropDataType, DataTypeBW, "datatype")
	}

	if code, ok := pageSizeCode(settings.PaperSize); ok {
		setSoft(PropPageSize, code, "pagesize")
	}

	handling := HandlingFlatbed
	if settings.UseADF {
		handling = HandlingFeeder
		if settings.Duplex {
			handling |= HandlingDuplex
		}
	}
	setSoft(PropDocumentHandling, handling, "handling")

	if !settings.ShowUI {
		pages := settings.MaxPages
		if pages < 0 {
			pages = 0 // the device code for "all pages"
		}
		setSoft(PropPages, pages, "pages")
	}

	b.settings = settings
	b.hasApply = true
	return nil
}

// ApplyAdvanced handles the experimental keys.
func (b *Backend) ApplyAdvanced(key string, value any) error {
	n, ok := toInt(value)
	if !ok {
		return fmt.Errorf("wia: %s needs an integer, got %v", key, value)
	}

	switch key {
	case "brightness":
		return b.driver.SetProp(PropBrightness, n)
	case "contrast":
		return b.driver.SetProp(PropContrast, n)
	default:
		return fmt.Errorf("wia: unknown advanced key %q", key)
	}
}

// Start arms the batch and hands the page loop to its own goroutine.
func (b *Backend) Start(ctx context.Context, requestID string) error {
	b.mu.Lock()
	if b.selectedID == "" {
		b.mu.Unlock()
		return scanner.ErrNoDevice
	}
	settings := b.settings
	if !b.hasApply {
		settings = protocol.DefaultScanSettings()
	}
	b.mu.Unlock()

	if !b.job.Begin(requestID) {
		return scanner.ErrBusy
	}

	if err := b.driver.BeginAcquire(settings.ShowUI); err != nil {
		b.job.Terminate()
		b.job.Release()
		if errors.Is(err, ErrUIRequired) {
			return fmt.Errorf("%w: %v", scanner.ErrUIRequired, err)
		}
		return err
	}

	go b.acquire(settings, requestID)
	return nil
}

// Stop requests an abort; the terminated transition wins so no terminal
// event follows.
func (b *Backend) Stop() {
	b.job.Terminate()
	b.driver.EndAcquire()
	b.job.Release()
}

func (b *Backend) acquire(settings protocol.ScanSettings, requestID string) {
	for {
		if b.job.Terminated() {
			return
		}

		page, err := b.driver.NextPage()
		if err != nil {
			b.finish(requestID, err)
			return
		}

		ordinal := b.job.PageDelivered()
		if ordinal == 0 {
			return
		}

		eventbus.Publish(context.Background(), b.bus, eventbus.Scan.Page, eventbus.SourceBackendWIA, eventbus.PageEvent{
			Backend:   scanner.TagWIA,
			RequestID: requestID,
			Ordinal:   ordinal,
			Data:      page.Data,
			Meta: eventbus.PageMeta{
				Width:  page.Width,
				Height: page.Height,
				Format: page.Format,
				Size:   len(page.Data),
				DPI:    page.DPI,
			},
		})

		if settings.MaxPages > 0 && ordinal >= settings.MaxPages {
			b.terminate(requestID, nil)
			return
		}
	}
}

// finish reconciles a page-loop error into the single terminal event.
func (b *Backend) finish(requestID string, err error) {
	noMedia := errors.Is(err, ErrNoMorePages) || errors.Is(err, ErrPaperEmpty)
	switch {
	case noMedia && b.job.Pages() > 0:
		b.terminate(requestID, nil)
	case noMedia:
		b.terminate(requestID, fmt.Errorf("no pages in the document feeder"))
	case errors.Is(err, ErrCancelled):
		b.terminate(requestID, fmt.Errorf("scan cancelled in the driver dialog"))
	default:
		b.terminate(requestID, err)
	}
}

func (b *Backend) terminate(requestID string, cause error) {
	if !b.job.Terminate() {
		return
	}
	total := b.job.Pages()
	b.driver.EndAcquire()
	b.job.Release()

	if cause == nil {
		eventbus.Publish(context.Background(), b.bus, eventbus.Scan.Completed, eventbus.SourceBackendWIA, eventbus.CompletedEvent{
			Backend:    scanner.TagWIA,
			RequestID:  requestID,
			TotalPages: total,
		})
		return
	}
	eventbus.Publish(context.Background(), b.bus, eventbus.Scan.Error, eventbus.SourceBackendWIA, eventbus.ErrorEvent{
		Backend:   scanner.TagWIA,
		RequestID: requestID,
		Message:   cause.Error(),
	})
}

func pageSizeCode(name string) (int, bool) {
	switch name {
	case "A4":
		return PageSizeA4, true
	case "Letter":
		return PageSizeLetter, true
	case "Legal":
		return PageSizeLegal, true
	case "A5":
		return PageSizeA5, true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
