package wia

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
)

// fakeDriver scripts the imaging-service seam.
type fakeDriver struct {
	mu sync.Mutex

	devices  []DeviceInfo
	pages    []*Page
	tailErr  error
	beginErr error

	props     map[PropID]any
	acquiring bool
	reads     int
}

func newFakeDriver(pageCount int) *fakeDriver {
	f := &fakeDriver{
		devices: []DeviceInfo{{ID: "wia-dev-1", Name: "Flat Flatbed", IsDefault: true}},
		tailErr: ErrNoMorePages,
		props: map[PropID]any{
			PropDocumentHandling: HandlingFeeder | HandlingFlatbed | HandlingDuplex,
		},
	}
	for i := 0; i < pageCount; i++ {
		f.pages = append(f.pages, &Page{Data: []byte("bits"), Width: 80, Height: 100, Format: "bmp", DPI: 150})
	}
	return f
}

func (f *fakeDriver) Open() error                 { return nil }
func (f *fakeDriver) Close()                      {}
func (f *fakeDriver) List() ([]DeviceInfo, error) { return f.devices, nil }

func (f *fakeDriver) Connect(id string) error {
	for _, d := range f.devices {
		if d.ID == id {
			return nil
		}
	}
	return errors.New("unknown device")
}

func (f *fakeDriver) Disconnect() {}

func (f *fakeDriver) SetProp(prop PropID, value any) error {
	f.mu.Lock()
	f.props[prop] = value
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) GetProp(prop PropID) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.props[prop]; ok {
		return v, nil
	}
	return nil, errors.New("unknown property")
}

func (f *fakeDriver) BeginAcquire(showUI bool) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	f.mu.Lock()
	f.acquiring = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) EndAcquire() {
	f.mu.Lock()
	f.acquiring = false
	f.mu.Unlock()
}

func (f *fakeDriver) NextPage() (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reads < len(f.pages) {
		p := f.pages[f.reads]
		f.reads++
		return p, nil
	}
	f.reads++
	return nil, f.tailErr
}

func (f *fakeDriver) prop(prop PropID) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props[prop]
}

func startBackend(t *testing.T, driver Driver) (*Backend, *eventbus.Subscription, *eventbus.Subscription, *eventbus.Subscription) {
	t.Helper()
	bus := eventbus.New()
	backend := NewWithDriver(bus, driver)
	if err := backend.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(backend.Shutdown)

	pages := bus.Subscribe(eventbus.TopicScanPage)
	completed := bus.Subscribe(eventbus.TopicScanCompleted)
	failed := bus.Subscribe(eventbus.TopicScanError)
	return backend, pages, completed, failed
}

func wait[T any](t *testing.T, sub *eventbus.Subscription) T {
	t.Helper()
	select {
	case env := <-sub.C():
		v, ok := env.Payload.(T)
		if !ok {
			t.Fatalf("unexpected payload %T", env.Payload)
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestScanCompletesAfterFeederRunsDry(t *testing.T) {
	driver := newFakeDriver(3)
	backend, pages, completed, _ := startBackend(t, driver)

	if err := backend.Select("wia-dev-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := backend.Apply(protocol.DefaultScanSettings()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := backend.Start(context.Background(), "job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	for want := 1; want <= 3; want++ {
		ev := wait[eventbus.PageEvent](t, pages)
		if ev.Ordinal != want || ev.Backend != "b" {
			t.Fatalf("page %d: %+v", want, ev)
		}
	}

	done := wait[eventbus.CompletedEvent](t, completed)
	if done.TotalPages != 3 || done.RequestID != "job-1" {
		t.Fatalf("completed: %+v", done)
	}
}

func TestPaperEmptyWithoutPagesIsError(t *testing.T) {
	driver := newFakeDriver(0)
	driver.tailErr = ErrPaperEmpty
	backend, _, _, failed := startBackend(t, driver)

	if err := backend.Select("wia-dev-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := backend.Start(context.Background(), "job-2"); err != nil {
		t.Fatalf("start: %v", err)
	}

	ev := wait[eventbus.ErrorEvent](t, failed)
	if ev.RequestID != "job-2" {
		t.Fatalf("error: %+v", ev)
	}
}

func TestUIRequiredMapsToTypedError(t *testing.T) {
	driver := newFakeDriver(1)
	driver.beginErr = ErrUIRequired
	backend, _, _, _ := startBackend(t, driver)

	if err := backend.Select("wia-dev-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := backend.Start(context.Background(), "job-3"); !errors.Is(err, scanner.ErrUIRequired) {
		t.Fatalf("expected ErrUIRequired, got %v", err)
	}
}

func TestPageCapPushRule(t *testing.T) {
	driver := newFakeDriver(1)
	backend, _, _, _ := startBackend(t, driver)
	if err := backend.Select("wia-dev-1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	s := protocol.DefaultScanSettings()
	s.MaxPages = 2
	if err := backend.Apply(s); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := driver.prop(PropPages); got != 2 {
		t.Fatalf("pages prop = %v, want 2", got)
	}

	s.ShowUI = true
	s.MaxPages = 5
	if err := backend.Apply(s); err != nil {
		t.Fatalf("apply with UI: %v", err)
	}
	if got := driver.prop(PropPages); got != 2 {
		t.Fatalf("pages prop changed under the vendor dialog: %v", got)
	}
}

func TestAdvancedKeys(t *testing.T) {
	driver := newFakeDriver(0)
	backend, _, _, _ := startBackend(t, driver)
	if err := backend.Select("wia-dev-1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	if err := backend.ApplyAdvanced("brightness", 40); err != nil {
		t.Fatalf("brightness: %v", err)
	}
	if got := driver.prop(PropBrightness); got != 40 {
		t.Fatalf("brightness = %v", got)
	}

	if err := backend.ApplyAdvanced("sharpness", 1); err == nil {
		t.Fatal("unknown advanced key should fail")
	}
	if err := backend.ApplyAdvanced("contrast", "high"); err == nil {
		t.Fatal("non-integer advanced value should fail")
	}
}
