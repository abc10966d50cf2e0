package server_test

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WangShayne/ScanWithWeb/internal/certs"
	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/prefs"
	"github.com/WangShayne/ScanWithWeb/internal/protocol"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
	"github.com/WangShayne/ScanWithWeb/internal/server"
	"github.com/WangShayne/ScanWithWeb/internal/session"
)

// fakeBackend is a controllable backend: Start only records; the test
// decides when pages and terminals appear on the bus.
type fakeBackend struct {
	bus *eventbus.Bus

	mu        sync.Mutex
	applied   protocol.ScanSettings
	requestID string
	stops     int
}

func (f *fakeBackend) Name() string      { return scanner.TagTwain }
func (f *fakeBackend) Initialize() error { return nil }
func (f *fakeBackend) Shutdown()         {}

func (f *fakeBackend) Enumerate(ctx context.Context) ([]scanner.Device, error) {
	return []scanner.Device{{ID: "ACME ADF", Name: "ACME ADF", IsDefault: true}}, nil
}

func (f *fakeBackend) Select(localID string) error {
	if localID != "ACME ADF" {
		return fmt.Errorf("%w: %s", scanner.ErrDeviceNotFound, localID)
	}
	return nil
}

func (f *fakeBackend) Capabilities(localID string) ([]protocol.CapabilityInfo, error) {
	return scanner.BaselineCapabilities(scanner.CapabilityOptions{
		DPIValues:      []int{200, 300},
		PixelTypes:     []string{scanner.PixelRGB, scanner.PixelGray8},
		PaperSizes:     []string{"A4", "Letter"},
		SupportsADF:    true,
		SupportsDuplex: true,
		SupportsShowUI: true,
	}), nil
}

func (f *fakeBackend) Apply(settings protocol.ScanSettings) error {
	f.mu.Lock()
	f.applied = settings
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) ApplyAdvanced(key string, value any) error { return nil }

func (f *fakeBackend) Start(ctx context.Context, requestID string) error {
	f.mu.Lock()
	f.requestID = requestID
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

// emitPages publishes pages then a completion for the active request.
func (f *fakeBackend) emitPages(n int) {
	f.mu.Lock()
	requestID := f.requestID
	f.mu.Unlock()

	ctx := context.Background()
	for i := 1; i <= n; i++ {
		eventbus.Publish(ctx, f.bus, eventbus.Scan.Page, eventbus.SourceBackendTwain, eventbus.PageEvent{
			Backend:   scanner.TagTwain,
			RequestID: requestID,
			Ordinal:   i,
			Data:      []byte(fmt.Sprintf("page-%d", i)),
			Meta:      eventbus.PageMeta{Width: 10, Height: 14, Format: "bmp", Size: 6, DPI: 300},
		})
	}
	eventbus.Publish(ctx, f.bus, eventbus.Scan.Completed, eventbus.SourceBackendTwain, eventbus.CompletedEvent{
		Backend:    scanner.TagTwain,
		RequestID:  requestID,
		TotalPages: n,
	})
}

func (f *fakeBackend) emitError(message string) {
	f.mu.Lock()
	requestID := f.requestID
	f.mu.Unlock()
	eventbus.Publish(context.Background(), f.bus, eventbus.Scan.Error, eventbus.SourceBackendTwain, eventbus.ErrorEvent{
		Backend:   scanner.TagTwain,
		RequestID: requestID,
		Message:   message,
	})
}

type harness struct {
	t        *testing.T
	srv      *server.Server
	bus      *eventbus.Bus
	sessions *session.Store
	backend  *fakeBackend
	router   *scanner.Router
}

// waitSeatFree blocks until the router released the device seat; terminal
// events release it asynchronously.
func (h *harness) waitSeatFree() {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for h.router.Scanning() {
		select {
		case <-deadline:
			h.t.Fatal("device seat never released")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newHarness(t *testing.T, ttl time.Duration, tlsCert *tls.Certificate) *harness {
	t.Helper()

	bus := eventbus.New()
	backend := &fakeBackend{bus: bus}
	router := scanner.NewRouter(bus)
	router.Register(backend)

	sessions := session.NewStore(ttl, 8)
	srv := server.New(server.Options{
		WsPort:   0,
		WssPort:  0,
		TLSCert:  tlsCert,
		Sessions: sessions,
		Router:   router,
		Bus:      bus,
		Prefs:    prefs.NewStore(t.TempDir() + "/user-settings.json"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := router.Start(ctx); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { router.Shutdown(context.Background()) })
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &harness{t: t, srv: srv, bus: bus, sessions: sessions, backend: backend, router: router}
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/", h.srv.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		h.t.Fatalf("dial %s: %v", url, err)
	}
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, req protocol.Request) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal %s: %v", frame, err)
	}
	return resp
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(window))
	if _, frame, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", frame)
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func authenticate(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	send(t, conn, protocol.Request{Action: protocol.ActionAuthenticate, RequestID: "auth-1", ClientID: "test"})
	resp := recv(t, conn)
	if resp.Status != protocol.StatusSuccess || resp.Token == "" || resp.ExpiresAt == "" {
		t.Fatalf("authenticate response: %+v", resp)
	}
	return resp.Token
}

func selectDevice(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	send(t, conn, protocol.Request{
		Action:    protocol.ActionSelectScanner,
		RequestID: "sel-1",
		Token:     token,
		Settings:  &protocol.ScanSettings{Source: "a:ACME ADF", DPI: 200, PixelType: "RGB", PaperSize: "A4", UseADF: true, MaxPages: -1},
	})
	if resp := recv(t, conn); resp.Status != protocol.StatusSuccess {
		t.Fatalf("select response: %+v", resp)
	}
}

func TestAuthenticateAndPing(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()

	token := authenticate(t, conn)

	send(t, conn, protocol.Request{Action: protocol.ActionPing, RequestID: "r2", Token: token})
	resp := recv(t, conn)
	if resp.Status != protocol.StatusSuccess || resp.Action != protocol.ActionPong || resp.Message != "pong" {
		t.Fatalf("ping response: %+v", resp)
	}
	if resp.RequestID != "r2" {
		t.Fatalf("requestId not echoed: %+v", resp)
	}
}

func TestInvalidFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("certainly not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := recv(t, conn)
	if resp.Status != protocol.StatusError || resp.ErrorCode != protocol.ErrInvalidRequest {
		t.Fatalf("garbage frame response: %+v", resp)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"transmogrify","requestId":"r7"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp = recv(t, conn)
	if resp.ErrorCode != protocol.ErrInvalidRequest || resp.RequestID != "r7" {
		t.Fatalf("unknown action response: %+v", resp)
	}

	// The connection survives both.
	send(t, conn, protocol.Request{Action: protocol.ActionPing, RequestID: "r8"})
	if resp := recv(t, conn); resp.Action != protocol.ActionPong {
		t.Fatalf("ping after invalid frames: %+v", resp)
	}
}

func TestAuthErrors(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()

	send(t, conn, protocol.Request{Action: protocol.ActionListScanners, RequestID: "r1"})
	if resp := recv(t, conn); resp.ErrorCode != protocol.ErrUnauthorized {
		t.Fatalf("missing token: %+v", resp)
	}

	send(t, conn, protocol.Request{Action: protocol.ActionListScanners, RequestID: "r2", Token: "bogus"})
	if resp := recv(t, conn); resp.ErrorCode != protocol.ErrInvalidToken {
		t.Fatalf("bogus token: %+v", resp)
	}
}

func TestExpiredToken(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, nil)
	conn := h.dial()

	token := authenticate(t, conn)
	time.Sleep(100 * time.Millisecond)

	send(t, conn, protocol.Request{Action: protocol.ActionListScanners, RequestID: "r3", Token: token})
	if resp := recv(t, conn); resp.ErrorCode != protocol.ErrInvalidToken {
		t.Fatalf("expired token: %+v", resp)
	}
}

func TestSessionCapReportsInternalError(t *testing.T) {
	h := newHarness(t, time.Minute, nil)

	// Fill the store (cap 8) through direct creates.
	for i := 0; i < 8; i++ {
		if sess, err := h.sessions.Create(fmt.Sprintf("conn-%d", i), ""); err != nil || sess == nil {
			t.Fatalf("prefill %d: %v %v", i, sess, err)
		}
	}

	conn := h.dial()
	send(t, conn, protocol.Request{Action: protocol.ActionAuthenticate, RequestID: "r1"})
	if resp := recv(t, conn); resp.ErrorCode != protocol.ErrInternalError {
		t.Fatalf("cap response: %+v", resp)
	}
}

func TestTwoPageScanStream(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()
	token := authenticate(t, conn)

	send(t, conn, protocol.Request{Action: protocol.ActionListScanners, RequestID: "r2", Token: token})
	list := recv(t, conn)
	if list.Status != protocol.StatusSuccess || len(list.Scanners) != 1 {
		t.Fatalf("list response: %+v", list)
	}
	if list.Scanners[0].ID != "a:ACME ADF" || !list.Scanners[0].IsDefault {
		t.Fatalf("device entry: %+v", list.Scanners[0])
	}

	selectDevice(t, conn, token)

	send(t, conn, protocol.Request{
		Action:    protocol.ActionScan,
		RequestID: "scan-1",
		Token:     token,
		Settings:  &protocol.ScanSettings{DPI: 300, PixelType: "Gray8", PaperSize: "A4", UseADF: true, MaxPages: 2},
	})

	waitForScanStart(t, h.backend, "scan-1")
	h.backend.emitPages(2)

	for want := 1; want <= 2; want++ {
		frame := recv(t, conn)
		if frame.Status != protocol.StatusScanning || frame.RequestID != "scan-1" {
			t.Fatalf("page frame %d: %+v", want, frame)
		}
		if frame.PageNumber != want {
			t.Fatalf("page number = %d, want %d", frame.PageNumber, want)
		}
		data, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			t.Fatalf("page data not base64: %v", err)
		}
		if string(data) != fmt.Sprintf("page-%d", want) {
			t.Fatalf("page payload: %q", data)
		}
		if frame.Metadata == nil || frame.Metadata.Format != "bmp" || frame.Metadata.DPI != 300 {
			t.Fatalf("page metadata: %+v", frame.Metadata)
		}
	}

	done := recv(t, conn)
	if done.Status != protocol.StatusCompleted || done.TotalPages != 2 || done.RequestID != "scan-1" {
		t.Fatalf("terminal frame: %+v", done)
	}

	// The backend received canonical settings.
	h.backend.mu.Lock()
	applied := h.backend.applied
	h.backend.mu.Unlock()
	if applied.PixelType != scanner.PixelGray8 || applied.DPI != 300 || applied.MaxPages != 2 {
		t.Fatalf("applied settings: %+v", applied)
	}

	// Exactly one terminal frame: nothing else follows.
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestScanErrorFrame(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()
	token := authenticate(t, conn)
	selectDevice(t, conn, token)

	send(t, conn, protocol.Request{Action: protocol.ActionScan, RequestID: "scan-err", Token: token})
	waitForScanStart(t, h.backend, "scan-err")
	h.backend.emitError("lamp failure")

	frame := recv(t, conn)
	if frame.Status != protocol.StatusError || frame.ErrorCode != protocol.ErrScanFailed {
		t.Fatalf("error frame: %+v", frame)
	}
	if frame.ErrorDetails != "lamp failure" {
		t.Fatalf("error details: %+v", frame)
	}

	// The session can scan again once the seat is back.
	h.waitSeatFree()
	send(t, conn, protocol.Request{Action: protocol.ActionScan, RequestID: "scan-2", Token: token})
	waitForScanStart(t, h.backend, "scan-2")
	h.backend.emitPages(1)
	if frame := recv(t, conn); frame.Status != protocol.StatusScanning {
		t.Fatalf("second scan page: %+v", frame)
	}
	if frame := recv(t, conn); frame.Status != protocol.StatusCompleted {
		t.Fatalf("second scan terminal: %+v", frame)
	}
}

func TestBusyRejection(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()
	token := authenticate(t, conn)
	selectDevice(t, conn, token)

	send(t, conn, protocol.Request{Action: protocol.ActionScan, RequestID: "scan-1", Token: token})
	waitForScanStart(t, h.backend, "scan-1")

	// Same session: rejected by the session's scanning flag.
	send(t, conn, protocol.Request{Action: protocol.ActionScan, RequestID: "scan-dup", Token: token})
	if resp := recv(t, conn); resp.ErrorCode != protocol.ErrScannerBusy || resp.RequestID != "scan-dup" {
		t.Fatalf("same-session busy: %+v", resp)
	}

	// Different session: rejected by the single-seat device.
	conn2 := h.dial()
	token2 := authenticate(t, conn2)
	send(t, conn2, protocol.Request{Action: protocol.ActionScan, RequestID: "scan-other", Token: token2})
	if resp := recv(t, conn2); resp.ErrorCode != protocol.ErrScannerBusy {
		t.Fatalf("cross-session busy: %+v", resp)
	}

	// The first job still completes normally, on the first socket only.
	h.backend.emitPages(1)
	if frame := recv(t, conn); frame.Status != protocol.StatusScanning {
		t.Fatalf("page frame: %+v", frame)
	}
	if frame := recv(t, conn); frame.Status != protocol.StatusCompleted {
		t.Fatalf("terminal frame: %+v", frame)
	}
	expectSilence(t, conn2, 200*time.Millisecond)
}

func TestStopScanSuppressesLateTerminal(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()
	token := authenticate(t, conn)
	selectDevice(t, conn, token)

	send(t, conn, protocol.Request{Action: protocol.ActionScan, RequestID: "scan-1", Token: token})
	waitForScanStart(t, h.backend, "scan-1")

	send(t, conn, protocol.Request{Action: protocol.ActionStopScan, RequestID: "stop-1", Token: token})
	resp := recv(t, conn)
	if resp.Status != protocol.StatusCancelled || resp.RequestID != "stop-1" {
		t.Fatalf("stop response: %+v", resp)
	}

	h.backend.mu.Lock()
	stops := h.backend.stops
	h.backend.mu.Unlock()
	if stops == 0 {
		t.Fatal("backend stop not invoked")
	}

	// A late terminal from the driver must not reach the client.
	h.backend.emitPages(1)
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestStopScanWithoutJobIsCancelled(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()
	token := authenticate(t, conn)

	send(t, conn, protocol.Request{Action: protocol.ActionStopScan, RequestID: "stop-x", Token: token})
	if resp := recv(t, conn); resp.Status != protocol.StatusCancelled {
		t.Fatalf("idempotent stop: %+v", resp)
	}
}

func TestShowUIMaxPagesEnforcedBySession(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()
	token := authenticate(t, conn)
	selectDevice(t, conn, token)

	send(t, conn, protocol.Request{
		Action:    protocol.ActionScan,
		RequestID: "scan-ui",
		Token:     token,
		Settings:  &protocol.ScanSettings{DPI: 200, PixelType: "RGB", PaperSize: "A4", UseADF: true, MaxPages: 1, ShowUI: true},
	})
	waitForScanStart(t, h.backend, "scan-ui")

	// The vendor dialog keeps feeding pages; the gateway cuts the job
	// after the client's cap.
	h.backend.emitPages(3)

	if frame := recv(t, conn); frame.Status != protocol.StatusScanning || frame.PageNumber != 1 {
		t.Fatalf("capped page frame: %+v", frame)
	}
	done := recv(t, conn)
	if done.Status != protocol.StatusCompleted || done.TotalPages != 1 {
		t.Fatalf("capped terminal: %+v", done)
	}
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestLegacyWakeFrame(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	wake := h.bus.Subscribe(eventbus.TopicUIWake)
	defer wake.Close()

	conn := h.dial()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.LegacyWakeFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case env := <-wake.C():
		if _, ok := env.Payload.(eventbus.UIWakeEvent); !ok {
			t.Fatalf("unexpected payload %T", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("wake event not published")
	}

	// The daemon never responds to the wake frame.
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestDisconnectRemovesSession(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	conn := h.dial()
	authenticate(t, conn)

	if h.sessions.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", h.sessions.Count())
	}

	conn.Close()

	deadline := time.After(2 * time.Second)
	for h.sessions.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("session not removed after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTLSListenerServesSameProtocol(t *testing.T) {
	m := certs.NewManager(certs.Options{
		Path:         t.TempDir() + "/certificate.pfx",
		Password:     "pw",
		ValidityDays: 365,
	})
	cert, err := m.Obtain()
	if err != nil {
		t.Fatalf("obtain certificate: %v", err)
	}

	h := newHarness(t, time.Minute, cert)
	if h.srv.SecurePort() == 0 {
		t.Fatal("TLS listener not bound")
	}

	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	conn, _, err := dialer.Dial(fmt.Sprintf("wss://127.0.0.1:%d/", h.srv.SecurePort()), nil)
	if err != nil {
		t.Fatalf("wss dial: %v", err)
	}
	defer conn.Close()

	send(t, conn, protocol.Request{Action: protocol.ActionAuthenticate, RequestID: "r1"})
	if resp := recv(t, conn); resp.Status != protocol.StatusSuccess || resp.Token == "" {
		t.Fatalf("authenticate over TLS: %+v", resp)
	}
}

func waitForScanStart(t *testing.T, backend *fakeBackend, requestID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		backend.mu.Lock()
		current := backend.requestID
		backend.mu.Unlock()
		if current == requestID {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("backend never started %s", requestID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
