package twain

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

// state is the backend-local lifecycle level.
type state int

const (
	stateUninitialized state = iota
	stateReady
	stateDeviceOpen
	stateScanning
	stateError
)

// Backend drives TWAIN-family devices, tag "a". Driver calls run on the
// acquisition goroutine; the router-facing surface never blocks across
// pages.
type Backend struct {
	bus    *eventbus.Bus
	source DataSource

	mu         sync.Mutex
	st         state
	initErr    error
	selectedID string
	settings   protocol.ScanSettings
	hasApply   bool
	duplexPass int // experimental override: 0 auto, 1 one-pass, 2 two-pass

	// names caches local id → display name. The driver may not populate
	// the id string until after a source has been opened.
	names map[string]string

	job scanner.Job
}

// New creates the backend over the platform data source.
func New(bus *eventbus.Bus) *Backend {
	return NewWithSource(bus, newPlatformSource())
}

// NewWithSource creates the backend over an explicit seam. Tests drive the
// state machine through a fake source.
func NewWithSource(bus *eventbus.Bus, source DataSource) *Backend {
	return &Backend{
		bus:    bus,
		source: source,
		names:  make(map[string]string),
	}
}

// Name returns the backend tag.
func (b *Backend) Name() string { return scanner.TagTwain }

// Initialize loads the driver manager. The error is kept so enumeration
// failures can name the real cause later.
func (b *Backend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.source.Open(); err != nil {
		b.initErr = err
		b.st = stateError
		return fmt.Errorf("%w: %v", scanner.ErrUnavailable, err)
	}
	b.st = stateReady
	return nil
}

// Shutdown releases the source and the driver manager.
func (b *Backend) Shutdown() {
	b.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source.CloseSource()
	b.source.Close()
	b.st = stateUninitialized
	b.selectedID = ""
}

// Enumerate lists installed sources.
func (b *Backend) Enumerate(ctx context.Context) ([]scanner.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initErr != nil {
		return nil, fmt.Errorf("%w: %v", scanner.ErrUnavailable, b.initErr)
	}
	if b.st == stateUninitialized {
		return nil, scanner.ErrUnavailable
	}

	infos, err := b.source.List()
	if err != nil {
		return nil, err
	}

	devices := make([]scanner.Device, 0, len(infos))
	for _, info := range infos {
		id := info.ID
		if id == "" {
			// Fall back to the display name as the local id until the
			// driver fills the id in after an open.
			id = info.Name
		}
		b.names[id] = info.Name
		devices = append(devices, scanner.Device{
			ID:        id,
			Name:      info.Name,
			IsDefault: info.IsDefault,
		})
	}
	return devices, nil
}

// Select opens the source, invalidating any prior selection.
func (b *Backend) Select(localID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == stateUninitialized {
		return scanner.ErrUnavailable
	}
	if b.st == stateScanning {
		return scanner.ErrBusy
	}

	b.source.CloseSource()
	if err := b.source.OpenSource(localID); err != nil {
		b.st = stateError
		return fmt.Errorf("%w: %q: %v", scanner.ErrDeviceNotFound, localID, err)
	}

	b.st = stateDeviceOpen
	b.selectedID = localID
	b.hasApply = false
	return nil
}

// Capabilities builds the snapshot for the device by querying the driver.
func (b *Backend) Capabilities(localID string) ([]protocol.CapabilityInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st != stateDeviceOpen && b.st != stateScanning {
		return nil, scanner.ErrNoDevice
	}
	if localID != "" && localID != b.selectedID {
		return nil, fmt.Errorf("%w: %q is not the open device", scanner.ErrDeviceNotFound, localID)
	}

	return b.querySnapshot()
}

// Apply pushes the canonical settings onto the open device per the driver
// quirks: the transfer-count cap is withheld when the vendor UI will run,
// and one-pass duplex is preferred when the device supports both passes.
func (b *Backend) Apply(settings protocol.ScanSettings) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st != stateDeviceOpen {
		if b.st == stateScanning {
			return scanner.ErrBusy
		}
		return scanner.ErrNoDevice
	}

	if err := b.applySettings(settings); err != nil {
		return err
	}
	b.settings = settings
	b.hasApply = true
	return nil
}

// ApplyAdvanced handles the experimental keys.
func (b *Backend) ApplyAdvanced(key string, value any) error {
	switch key {
	case "duplexPass":
		n, ok := value.(float64)
		pass := int(n)
		if i, isInt := value.(int); isInt {
			pass, ok = i, true
		}
		if !ok || pass < 0 || pass > 2 {
			return fmt.Errorf("twain: duplexPass must be 0 (auto), 1 or 2, got %v", value)
		}
		b.mu.Lock()
		b.duplexPass = pass
		b.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("twain: unknown advanced key %q", key)
	}
}

// Start arms the acquisition and hands the transfer loop to its own
// goroutine.
func (b *Backend) Start(ctx context.Context, requestID string) error {
	b.mu.Lock()
	if b.st != stateDeviceOpen {
		st := b.st
		b.mu.Unlock()
		if st == stateScanning {
			return scanner.ErrBusy
		}
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

	if err := b.enable(settings); err != nil {
		b.job.Terminate()
		b.job.Release()
		if errors.Is(err, ErrUINotSupported) {
			return fmt.Errorf("%w: %v", scanner.ErrUIRequired, err)
		}
		return err
	}

	b.mu.Lock()
	b.st = stateScanning
	b.mu.Unlock()

	go b.acquire(settings, requestID)
	return nil
}

// enable implements the UI mode policy: headless when showUI is off,
// failing with the retry hint if the driver insists on a window; non-modal
// first, then modal, when showUI is on.
func (b *Backend) enable(settings protocol.ScanSettings) error {
	if !settings.ShowUI {
		return b.source.Enable(EnableOptions{ShowUI: false})
	}

	if err := b.source.Enable(EnableOptions{ShowUI: true, Modal: false}); err != nil {
		log.Printf("[TWAIN] non-modal UI rejected, falling back to modal: %v", err)
		return b.source.Enable(EnableOptions{ShowUI: true, Modal: true})
	}
	return nil
}

// Stop requests an abort. The terminated transition wins over the transfer
// loop, so no terminal event is emitted for a stopped job.
func (b *Backend) Stop() {
	won := b.job.Terminate()
	b.source.Disable()
	if won {
		b.forceDeviceOpen()
	}
	b.job.Release()
}

// acquire is the per-job transfer loop. It owns all blocking driver I/O.
func (b *Backend) acquire(settings protocol.ScanSettings, requestID string) {
	for {
		if b.job.Terminated() {
			return
		}

		img, err := b.source.Transfer()
		if err != nil {
			b.finishTransfer(requestID, err)
			return
		}

		ordinal := b.job.PageDelivered()
		if ordinal == 0 {
			return // stop raced the transfer
		}

		eventbus.Publish(context.Background(), b.bus, eventbus.Scan.Page, eventbus.SourceBackendTwain, eventbus.PageEvent{
			Backend:   scanner.TagTwain,
			RequestID: requestID,
			Ordinal:   ordinal,
			Data:      img.Data,
			Meta: eventbus.PageMeta{
				Width:  img.Width,
				Height: img.Height,
				Format: img.Format,
				Size:   len(img.Data),
				DPI:    img.DPI,
			},
		})

		if settings.MaxPages > 0 && ordinal >= settings.MaxPages {
			b.terminate(requestID, nil)
			return
		}
	}
}

// finishTransfer reconciles a transfer error into the job's single terminal
// event. Feeder-empty after at least one page is a normal completion.
func (b *Backend) finishTransfer(requestID string, err error) {
	switch {
	case errors.Is(err, ErrFeederEmpty):
		if b.job.Pages() > 0 {
			b.terminate(requestID, nil)
		} else {
			b.terminate(requestID, fmt.Errorf("no pages in the document feeder"))
		}
	case errors.Is(err, ErrCancelled):
		b.terminate(requestID, fmt.Errorf("scan cancelled in the driver dialog"))
	default:
		b.terminate(requestID, err)
	}
}

// terminate emits the single terminal event and forces the device back to
// the open level so the next request needs no reinitialize.
func (b *Backend) terminate(requestID string, cause error) {
	if !b.job.Terminate() {
		return
	}
	total := b.job.Pages()
	b.source.Disable()
	b.forceDeviceOpen()
	b.job.Release()

	if cause == nil {
		eventbus.Publish(context.Background(), b.bus, eventbus.Scan.Completed, eventbus.SourceBackendTwain, eventbus.CompletedEvent{
			Backend:    scanner.TagTwain,
			RequestID:  requestID,
			TotalPages: total,
		})
		return
	}
	eventbus.Publish(context.Background(), b.bus, eventbus.Scan.Error, eventbus.SourceBackendTwain, eventbus.ErrorEvent{
		Backend:   scanner.TagTwain,
		RequestID: requestID,
		Message:   cause.Error(),
	})
}

func (b *Backend) forceDeviceOpen() {
	b.mu.Lock()
	if b.st == stateScanning || b.st == stateError {
		b.st = stateDeviceOpen
	}
	b.mu.Unlock()
}
