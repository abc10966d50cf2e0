package escl

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
)

const capabilitiesXML = `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScannerCapabilities xmlns:scan="http://schemas.hp.com/imaging/escl/2011/05/03" xmlns:pwg="http://www.pwg.org/schemas/2010/12/sm">
  <pwg:Version>2.63</pwg:Version>
  <pwg:MakeAndModel>Acme NetScan 9000</pwg:MakeAndModel>
  <pwg:SerialNumber>AC-1</pwg:SerialNumber>
  <scan:Platen>
    <scan:PlatenInputCaps>
      <scan:MinWidth>16</scan:MinWidth>
      <scan:MaxWidth>2550</scan:MaxWidth>
      <scan:MinHeight>16</scan:MinHeight>
      <scan:MaxHeight>3300</scan:MaxHeight>
      <scan:SettingProfiles>
        <scan:SettingProfile>
          <scan:ColorModes>
            <scan:ColorMode>RGB24</scan:ColorMode>
            <scan:ColorMode>Grayscale8</scan:ColorMode>
          </scan:ColorModes>
          <scan:DocumentFormats>
            <pwg:DocumentFormat>image/jpeg</pwg:DocumentFormat>
          </scan:DocumentFormats>
          <scan:SupportedResolutions>
            <scan:DiscreteResolutions>
              <scan:DiscreteResolution>
                <scan:XResolution>200</scan:XResolution>
                <scan:YResolution>200</scan:YResolution>
              </scan:DiscreteResolution>
              <scan:DiscreteResolution>
                <scan:XResolution>300</scan:XResolution>
                <scan:YResolution>300</scan:YResolution>
              </scan:DiscreteResolution>
            </scan:DiscreteResolutions>
          </scan:SupportedResolutions>
        </scan:SettingProfile>
      </scan:SettingProfiles>
    </scan:PlatenInputCaps>
  </scan:Platen>
</scan:ScannerCapabilities>`

// jobRequest is the lenient server-side view of the job settings document:
// matching on local names only sidesteps the prefix bookkeeping.
type jobRequest struct {
	InputSource string `xml:"InputSource"`
	ColorMode   string `xml:"ColorMode"`
	XResolution int    `xml:"XResolution"`
	YResolution int    `xml:"YResolution"`
	Duplex      bool   `xml:"Duplex"`
}

// fakeDevice is an httptest network scanner.
type fakeDevice struct {
	t *testing.T

	mu          sync.Mutex
	pages       [][]byte
	served      int
	busyFirst   bool // respond 503 to the first NextDocument call
	jobDeleted  bool
	lastRequest jobRequest
	failNext    int // HTTP status to force on NextDocument (0 = off)
}

func (d *fakeDevice) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/eSCL/ScannerCapabilities", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, capabilitiesXML)
	})
	mux.HandleFunc("/eSCL/ScanJobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var doc jobRequest
		if err := xml.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.lastRequest = doc
		d.mu.Unlock()
		w.Header().Set("Location", "/eSCL/ScanJobs/job-77")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/eSCL/ScanJobs/job-77/NextDocument", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failNext != 0 {
			http.Error(w, "device fault", d.failNext)
			return
		}
		if d.busyFirst {
			d.busyFirst = false
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if d.served >= len(d.pages) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(d.pages[d.served])
		d.served++
	})
	mux.HandleFunc("/eSCL/ScanJobs/job-77", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			d.mu.Lock()
			d.jobDeleted = true
			d.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	})
	return mux
}

func (d *fakeDevice) deleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobDeleted
}

func startNetworkBackend(t *testing.T, device *fakeDevice) (*Backend, string, *eventbus.Subscription, *eventbus.Subscription, *eventbus.Subscription) {
	t.Helper()
	srv := httptest.NewServer(device.handler())
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	bus := eventbus.New()
	backend := New(bus)
	backend.AddHost(host)
	if err := backend.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(backend.Shutdown)

	pages := bus.Subscribe(eventbus.TopicScanPage)
	completed := bus.Subscribe(eventbus.TopicScanCompleted)
	failed := bus.Subscribe(eventbus.TopicScanError)
	return backend, host, pages, completed, failed
}

func waitEvent[T any](t *testing.T, sub *eventbus.Subscription, timeout time.Duration) T {
	t.Helper()
	select {
	case env := <-sub.C():
		v, ok := env.Payload.(T)
		if !ok {
			t.Fatalf("unexpected payload %T", env.Payload)
		}
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestEnumerateProbesRegisteredHosts(t *testing.T) {
	device := &fakeDevice{t: t}
	backend, host, _, _, _ := startNetworkBackend(t, device)

	devices, err := backend.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %+v", devices)
	}
	if devices[0].ID != host || devices[0].Name != "Acme NetScan 9000" {
		t.Fatalf("device: %+v", devices[0])
	}
}

func TestCapabilitiesFromDevice(t *testing.T) {
	device := &fakeDevice{t: t}
	backend, host, _, _, _ := startNetworkBackend(t, device)

	if err := backend.Select(host); err != nil {
		t.Fatalf("select: %v", err)
	}

	caps, err := backend.Capabilities(host)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}

	byKey := make(map[string]protocol.CapabilityInfo)
	for _, c := range caps {
		byKey[c.Key] = c
	}
	dpi := byKey[scanner.CapDPI]
	if len(dpi.SupportedValues) != 2 || dpi.SupportedValues[0] != 200 {
		t.Fatalf("dpi values: %+v", dpi.SupportedValues)
	}
	pixel := byKey[scanner.CapPixelType]
	if len(pixel.SupportedValues) != 2 {
		t.Fatalf("pixel values: %+v", pixel.SupportedValues)
	}
	if duplex := byKey[scanner.CapDuplex]; duplex.IsWritable {
		t.Fatal("platen-only device should not be duplex-writable")
	}
	if _, ok := byKey["e:compressionFactor"]; !ok {
		t.Fatal("experimental compression key missing")
	}
}

func TestScanDrainsDocumentsUntil404(t *testing.T) {
	device := &fakeDevice{t: t, pages: [][]byte{[]byte("jpeg-1"), []byte("jpeg-2")}}
	backend, host, pages, completed, _ := startNetworkBackend(t, device)

	if err := backend.Select(host); err != nil {
		t.Fatalf("select: %v", err)
	}

	s := protocol.DefaultScanSettings()
	s.DPI = 300
	s.PixelType = scanner.PixelGray8
	if err := backend.Apply(s); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := backend.Start(context.Background(), "job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	for want := 1; want <= 2; want++ {
		ev := waitEvent[eventbus.PageEvent](t, pages, 2*time.Second)
		if ev.Ordinal != want || ev.Backend != "e" || ev.Meta.Format != "jpg" {
			t.Fatalf("page %d: %+v", want, ev)
		}
	}

	done := waitEvent[eventbus.CompletedEvent](t, completed, 2*time.Second)
	if done.TotalPages != 2 {
		t.Fatalf("completed: %+v", done)
	}

	// The device-side job is always released.
	deadline := time.After(time.Second)
	for !device.deleted() {
		select {
		case <-deadline:
			t.Fatal("job not deleted after completion")
		case <-time.After(10 * time.Millisecond):
		}
	}

	device.mu.Lock()
	req := device.lastRequest
	device.mu.Unlock()
	if req.ColorMode != "Grayscale8" || req.XResolution != 300 {
		t.Fatalf("job settings document: %+v", req)
	}
	if req.InputSource != "Platen" {
		t.Fatalf("platen-only device got source %q", req.InputSource)
	}
}

func TestScanRetriesBusyDevice(t *testing.T) {
	device := &fakeDevice{t: t, pages: [][]byte{[]byte("jpeg-1")}, busyFirst: true}
	backend, host, pages, completed, _ := startNetworkBackend(t, device)

	if err := backend.Select(host); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := backend.Start(context.Background(), "job-2"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// One 503 costs one fixed backoff before the page arrives.
	ev := waitEvent[eventbus.PageEvent](t, pages, 5*time.Second)
	if ev.Ordinal != 1 {
		t.Fatalf("page: %+v", ev)
	}
	waitEvent[eventbus.CompletedEvent](t, completed, 2*time.Second)
}

func TestTransferErrorWithoutPagesIsError(t *testing.T) {
	device := &fakeDevice{t: t, failNext: http.StatusConflict}
	backend, host, _, _, failed := startNetworkBackend(t, device)

	if err := backend.Select(host); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := backend.Start(context.Background(), "job-3"); err != nil {
		t.Fatalf("start: %v", err)
	}

	ev := waitEvent[eventbus.ErrorEvent](t, failed, 2*time.Second)
	if ev.RequestID != "job-3" {
		t.Fatalf("error: %+v", ev)
	}
}

func TestMaxPagesStopsDrain(t *testing.T) {
	device := &fakeDevice{t: t, pages: [][]byte{[]byte("p1"), []byte("p2"), []byte("p3")}}
	backend, host, pages, completed, _ := startNetworkBackend(t, device)

	if err := backend.Select(host); err != nil {
		t.Fatalf("select: %v", err)
	}
	s := protocol.DefaultScanSettings()
	s.MaxPages = 1
	if err := backend.Apply(s); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := backend.Start(context.Background(), "job-4"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if ev := waitEvent[eventbus.PageEvent](t, pages, 2*time.Second); ev.Ordinal != 1 {
		t.Fatalf("page: %+v", ev)
	}
	if done := waitEvent[eventbus.CompletedEvent](t, completed, 2*time.Second); done.TotalPages != 1 {
		t.Fatalf("completed: %+v", done)
	}
}

func TestStopCancelsDrain(t *testing.T) {
	device := &fakeDevice{t: t, pages: make([][]byte, 0)}
	// A 503 on the first fetch parks the drain loop in its retry backoff.
	device.busyFirst = true
	backend, host, _, completed, failed := startNetworkBackend(t, device)

	if err := backend.Select(host); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := backend.Start(context.Background(), "job-5"); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	backend.Stop()

	select {
	case env := <-completed.C():
		t.Fatalf("completed after stop: %+v", env.Payload)
	case env := <-failed.C():
		t.Fatalf("error after stop: %+v", env.Payload)
	case <-time.After(300 * time.Millisecond):
	}
}
