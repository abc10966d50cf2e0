package scanner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/protocol"
)

// Router presents a unified, id-namespaced façade over the registered
// backends. It owns the single-seat active device cell: at most one scan
// job runs across all sessions at a time.
type Router struct {
	bus             *eventbus.Bus
	preferredDevice func() string

	mu              sync.Mutex
	backends        map[string]Backend
	order           []string
	initErr         map[string]error
	active          Backend
	activeTag       string
	currentDeviceID string // namespaced; set iff active is set
	lastSettings    protocol.ScanSettings
	hasSettings     bool
	activeRequestID string

	subs   []*eventbus.Subscription
	cancel context.CancelFunc
}

// RouterOption customises router construction.
type RouterOption func(*Router)

// WithPreferredDevice supplies the user's default device id (namespaced).
// When set, enumeration marks that device as the default.
func WithPreferredDevice(fn func() string) RouterOption {
	return func(r *Router) { r.preferredDevice = fn }
}

// NewRouter creates a router publishing and consuming events on bus.
func NewRouter(bus *eventbus.Bus, opts ...RouterOption) *Router {
	r := &Router{
		bus:      bus,
		backends: make(map[string]Backend),
		initErr:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a backend under its tag. Must be called before Start.
func (r *Router) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag := b.Name()
	if _, exists := r.backends[tag]; exists {
		log.Printf("[Router] backend %q already registered, ignoring", tag)
		return
	}
	r.backends[tag] = b
	r.order = append(r.order, tag)
}

// Start initializes every backend, launches discovery runners, and begins
// watching terminal events so the device seat is released after each job.
// A backend that fails to initialize stays registered but reports no
// devices; its error is kept for later reporting.
func (r *Router) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, tag := range order {
		b := r.backend(tag)
		if b == nil {
			continue
		}
		if err := b.Initialize(); err != nil {
			log.Printf("[Router] backend %q unavailable: %v", tag, err)
			r.mu.Lock()
			r.initErr[tag] = err
			r.mu.Unlock()
			continue
		}
		if dr, ok := b.(DiscoveryRunner); ok {
			dr.StartDiscovery(watchCtx)
		}
	}

	completed := r.bus.Subscribe(eventbus.TopicScanCompleted, eventbus.WithSubscriptionName("router"))
	failed := r.bus.Subscribe(eventbus.TopicScanError, eventbus.WithSubscriptionName("router"))
	r.mu.Lock()
	r.subs = append(r.subs, completed, failed)
	r.mu.Unlock()

	go r.releaseSeatLoop(watchCtx, completed, failed)
	return nil
}

// Shutdown stops discovery, unsubscribes, and releases every backend.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	subs := r.subs
	r.subs = nil
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Close()
	}
	for _, tag := range order {
		if b := r.backend(tag); b != nil {
			b.Shutdown()
		}
	}
	return nil
}

func (r *Router) backend(tag string) Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backends[tag]
}

func (r *Router) available(tag string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", ErrDeviceNotFound, tag)
	}
	if err := r.initErr[tag]; err != nil {
		return nil, fmt.Errorf("%w: backend %q: %v", ErrUnavailable, tag, err)
	}
	return b, nil
}

func (r *Router) releaseSeatLoop(ctx context.Context, subs ...*eventbus.Subscription) {
	for _, sub := range subs {
		go func(sub *eventbus.Subscription) {
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-sub.C():
					if !ok {
						return
					}
					switch ev := env.Payload.(type) {
					case eventbus.CompletedEvent:
						r.releaseSeat(ev.RequestID)
					case eventbus.ErrorEvent:
						r.releaseSeat(ev.RequestID)
					}
				}
			}
		}(sub)
	}
}

func (r *Router) releaseSeat(requestID string) {
	r.mu.Lock()
	if r.activeRequestID == requestID {
		r.activeRequestID = ""
	}
	r.mu.Unlock()
}

// Enumerate lists devices across all available backends, optionally
// filtered by backend tag. Ids come back namespaced. One failing backend
// does not hide the others' devices.
func (r *Router) Enumerate(ctx context.Context, protocols []string) ([]protocol.DeviceInfo, error) {
	filter := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		filter[strings.ToLower(strings.TrimSpace(p))] = true
	}

	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	var preferred string
	if r.preferredDevice != nil {
		preferred = r.preferredDevice()
	}

	var devices []protocol.DeviceInfo
	for _, tag := range order {
		if len(filter) > 0 && !filter[tag] {
			continue
		}
		b, err := r.available(tag)
		if err != nil {
			continue
		}
		local, err := b.Enumerate(ctx)
		if err != nil {
			log.Printf("[Router] enumerate %q: %v", tag, err)
			continue
		}
		for _, d := range local {
			id := JoinDeviceID(tag, d.ID)
			devices = append(devices, protocol.DeviceInfo{
				Name:      d.Name,
				ID:        id,
				IsDefault: d.IsDefault,
				Protocol:  tag,
			})
		}
	}

	if preferred != "" {
		for i := range devices {
			if devices[i].ID == preferred {
				for j := range devices {
					devices[j].IsDefault = j == i
				}
				break
			}
		}
	}

	return devices, nil
}

// Select opens the device and updates the active cell. The active backend
// and current device id change together or not at all.
func (r *Router) Select(ctx context.Context, deviceID string) error {
	tag, localID := ParseDeviceID(deviceID)
	b, err := r.available(tag)
	if err != nil {
		return err
	}

	if err := b.Select(localID); err != nil {
		return err
	}

	r.mu.Lock()
	r.active = b
	r.activeTag = tag
	r.currentDeviceID = JoinDeviceID(tag, localID)
	r.mu.Unlock()

	log.Printf("[Router] selected device %s", JoinDeviceID(tag, localID))
	return nil
}

// Current returns the active backend tag and namespaced device id.
func (r *Router) Current() (tag, deviceID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", "", false
	}
	return r.activeTag, r.currentDeviceID, true
}

// CurrentCapabilities returns the selected device's baseline snapshot as a
// device descriptor, for get_capabilities.
func (r *Router) CurrentCapabilities() (protocol.DeviceInfo, error) {
	r.mu.Lock()
	b := r.active
	tag := r.activeTag
	deviceID := r.currentDeviceID
	r.mu.Unlock()

	if b == nil {
		return protocol.DeviceInfo{}, ErrNoDevice
	}

	_, localID := ParseDeviceID(deviceID)
	caps, err := b.Capabilities(localID)
	if err != nil {
		return protocol.DeviceInfo{}, err
	}

	return protocol.DeviceInfo{
		Name:         localID,
		ID:           deviceID,
		Protocol:     tag,
		Capabilities: caps,
	}, nil
}

// DeviceCapabilities assembles the dynamic capability list for the selected
// device, carrying current values from the last applied settings snapshot.
func (r *Router) DeviceCapabilities(ctx context.Context) (deviceID, tag string, caps []protocol.CapabilityInfo, err error) {
	r.mu.Lock()
	b := r.active
	tag = r.activeTag
	deviceID = r.currentDeviceID
	last := r.lastSettings
	hasLast := r.hasSettings
	r.mu.Unlock()

	if b == nil {
		return "", "", nil, ErrNoDevice
	}

	_, localID := ParseDeviceID(deviceID)
	caps, err = b.Capabilities(localID)
	if err != nil {
		return "", "", nil, err
	}

	if hasLast {
		for i := range caps {
			switch caps[i].Key {
			case CapDPI:
				caps[i].CurrentValue = last.DPI
			case CapPixelType:
				caps[i].CurrentValue = last.PixelType
			case CapPaperSize:
				caps[i].CurrentValue = last.PaperSize
			case CapUseADF:
				caps[i].CurrentValue = last.UseADF
			case CapDuplex:
				caps[i].CurrentValue = last.Duplex
			case CapMaxPages:
				caps[i].CurrentValue = last.MaxPages
			case CapShowUI:
				caps[i].CurrentValue = last.ShowUI
			}
		}
	}

	return deviceID, tag, caps, nil
}

// ApplySettings normalizes and pushes a full settings block onto the
// selected device, remembering it as the last-applied snapshot.
func (r *Router) ApplySettings(ctx context.Context, s protocol.ScanSettings) error {
	r.mu.Lock()
	b := r.active
	scanning := r.activeRequestID != ""
	r.mu.Unlock()
	if b == nil {
		return ErrNoDevice
	}
	if scanning {
		return ErrBusy
	}

	canonical, err := Normalize(s)
	if err != nil {
		return err
	}
	if err := b.Apply(canonical); err != nil {
		return err
	}

	r.mu.Lock()
	r.lastSettings = canonical
	r.hasSettings = true
	r.mu.Unlock()
	return nil
}

// ApplyPatch applies a partial settings update with per-field results, plus
// any advanced backend-qualified keys. The merged settings reach the device
// only when at least one baseline field validated. A scan in progress fails
// the whole call with a single record.
func (r *Router) ApplyPatch(ctx context.Context, patch *protocol.SettingsPatch, advanced map[string]any) ([]protocol.FieldResult, error) {
	r.mu.Lock()
	b := r.active
	deviceID := r.currentDeviceID
	scanning := r.activeRequestID != ""
	base := r.lastSettings
	hasBase := r.hasSettings
	r.mu.Unlock()

	if b == nil {
		return nil, ErrNoDevice
	}
	if scanning {
		return []protocol.FieldResult{{
			Key:     "scan",
			Status:  protocol.FieldFailed,
			Message: "a scan is in progress on this device",
		}}, nil
	}

	if !hasBase {
		base = protocol.DefaultScanSettings()
	}

	_, localID := ParseDeviceID(deviceID)
	caps, err := b.Capabilities(localID)
	if err != nil {
		return nil, err
	}
	capByKey := make(map[string]protocol.CapabilityInfo, len(caps))
	for _, c := range caps {
		capByKey[c.Key] = c
	}

	var results []protocol.FieldResult
	applied := 0

	if patch != nil {
		results, applied = mergePatch(&base, patch, capByKey)
	}

	if applied > 0 {
		if err := b.Apply(base); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.lastSettings = base
		r.hasSettings = true
		r.mu.Unlock()
	}

	for key, value := range advanced {
		results = append(results, r.applyAdvanced(key, value))
	}

	return results, nil
}

// mergePatch validates each present patch field against the capability
// snapshot, merging successes into base. Returns the per-field results and
// the number of fields applied.
func mergePatch(base *protocol.ScanSettings, patch *protocol.SettingsPatch, caps map[string]protocol.CapabilityInfo) ([]protocol.FieldResult, int) {
	var results []protocol.FieldResult
	applied := 0

	ok := func(key string, value any) {
		results = append(results, protocol.FieldResult{Key: key, Status: protocol.FieldApplied, AppliedValue: value})
		applied++
	}
	fail := func(key, msg string) {
		results = append(results, protocol.FieldResult{Key: key, Status: protocol.FieldFailed, Message: msg})
	}
	skip := func(key, msg string) {
		results = append(results, protocol.FieldResult{Key: key, Status: protocol.FieldSkipped, Message: msg})
	}

	if patch.DPI != nil {
		switch {
		case *patch.DPI <= 0:
			fail(CapDPI, fmt.Sprintf("dpi must be positive, got %d", *patch.DPI))
		case !intSupported(*patch.DPI, caps[CapDPI].SupportedValues):
			fail(CapDPI, fmt.Sprintf("dpi %d not supported by device", *patch.DPI))
		default:
			base.DPI = *patch.DPI
			ok(CapDPI, *patch.DPI)
		}
	}

	if patch.PixelType != nil {
		canon, err := CanonicalPixelType(*patch.PixelType)
		switch {
		case err != nil:
			fail(CapPixelType, err.Error())
		case !stringSupported(canon, caps[CapPixelType].SupportedValues):
			fail(CapPixelType, fmt.Sprintf("pixelType %s not supported by device", canon))
		default:
			base.PixelType = canon
			ok(CapPixelType, canon)
		}
	}

	if patch.PaperSize != nil {
		if match, found := matchSupportedAny(*patch.PaperSize, caps[CapPaperSize].SupportedValues); found {
			base.PaperSize = match
			ok(CapPaperSize, match)
		} else {
			fail(CapPaperSize, fmt.Sprintf("paperSize %q not supported by device", *patch.PaperSize))
		}
	}

	if patch.Duplex != nil {
		if caps[CapDuplex].IsWritable {
			base.Duplex = *patch.Duplex
			ok(CapDuplex, *patch.Duplex)
		} else if *patch.Duplex {
			fail(CapDuplex, "device has no duplex unit")
		} else {
			base.Duplex = false
			skip(CapDuplex, "device has no duplex unit")
		}
	}

	if patch.UseADF != nil {
		if caps[CapUseADF].IsWritable {
			base.UseADF = *patch.UseADF
			ok(CapUseADF, *patch.UseADF)
		} else if *patch.UseADF {
			fail(CapUseADF, "device has no document feeder")
		} else {
			base.UseADF = false
			skip(CapUseADF, "device has no document feeder")
		}
	}

	if patch.MaxPages != nil {
		if *patch.MaxPages == 0 || *patch.MaxPages < -1 {
			fail(CapMaxPages, fmt.Sprintf("maxPages must be -1 or positive, got %d", *patch.MaxPages))
		} else {
			base.MaxPages = *patch.MaxPages
			ok(CapMaxPages, *patch.MaxPages)
		}
	}

	if patch.ShowUI != nil {
		if caps[CapShowUI].IsWritable || !*patch.ShowUI {
			base.ShowUI = *patch.ShowUI
			ok(CapShowUI, *patch.ShowUI)
		} else {
			fail(CapShowUI, "driver has no vendor dialog")
		}
	}

	return results, applied
}

// applyAdvanced routes one backend-qualified advanced key. Keys without a
// backend prefix go to the active backend.
func (r *Router) applyAdvanced(key string, value any) protocol.FieldResult {
	tag := ""
	rest := key
	if i := strings.Index(key, ":"); i > 0 {
		tag, rest = key[:i], key[i+1:]
	}

	r.mu.Lock()
	b := r.active
	activeTag := r.activeTag
	r.mu.Unlock()

	if tag != "" && tag != activeTag {
		target, err := r.available(tag)
		if err != nil {
			return protocol.FieldResult{Key: key, Status: protocol.FieldFailed, Message: err.Error()}
		}
		b = target
	}
	if b == nil {
		return protocol.FieldResult{Key: key, Status: protocol.FieldFailed, Message: ErrNoDevice.Error()}
	}

	if err := b.ApplyAdvanced(rest, value); err != nil {
		return protocol.FieldResult{Key: key, Status: protocol.FieldFailed, Message: err.Error()}
	}
	return protocol.FieldResult{Key: key, Status: protocol.FieldApplied, AppliedValue: value}
}

// StartScan claims the single device seat for requestID and asks the active
// backend to begin acquiring. Pages arrive asynchronously on the bus.
func (r *Router) StartScan(ctx context.Context, requestID string) error {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return ErrNoDevice
	}
	if r.activeRequestID != "" {
		r.mu.Unlock()
		return ErrBusy
	}
	r.activeRequestID = requestID
	b := r.active
	r.mu.Unlock()

	if err := b.Start(ctx, requestID); err != nil {
		r.releaseSeat(requestID)
		return err
	}
	return nil
}

// StopScan requests a cooperative abort of the active job. The seat is
// released immediately: a stopped backend emits no further terminal event.
func (r *Router) StopScan() {
	r.mu.Lock()
	b := r.active
	requestID := r.activeRequestID
	r.mu.Unlock()

	if b != nil && requestID != "" {
		b.Stop()
	}
	if requestID != "" {
		r.releaseSeat(requestID)
	}
}

// Scanning reports whether a job currently holds the device seat.
func (r *Router) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeRequestID != ""
}

func intSupported(v int, supported []any) bool {
	if len(supported) == 0 {
		return true
	}
	for _, s := range supported {
		switch n := s.(type) {
		case int:
			if n == v {
				return true
			}
		case float64:
			if int(n) == v {
				return true
			}
		}
	}
	return false
}

func stringSupported(v string, supported []any) bool {
	if len(supported) == 0 {
		return true
	}
	_, ok := matchSupportedAny(v, supported)
	return ok
}

func matchSupportedAny(v string, supported []any) (string, bool) {
	if len(supported) == 0 {
		return v, true
	}
	values := make([]string, 0, len(supported))
	for _, s := range supported {
		if str, ok := s.(string); ok {
			values = append(values, str)
		}
	}
	return MatchSupported(v, values)
}
