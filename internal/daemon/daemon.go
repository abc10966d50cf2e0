// Package daemon wires the services together and owns process start/stop
// orchestration.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/WangShayne/ScanWithWeb/internal/certs"
	"github.com/WangShayne/ScanWithWeb/internal/config"
	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
	"github.com/WangShayne/ScanWithWeb/internal/prefs"
	"github.com/WangShayne/ScanWithWeb/internal/scanner"
	"github.com/WangShayne/ScanWithWeb/internal/scanner/escl"
	"github.com/WangShayne/ScanWithWeb/internal/scanner/twain"
	"github.com/WangShayne/ScanWithWeb/internal/scanner/wia"
	"github.com/WangShayne/ScanWithWeb/internal/server"
	"github.com/WangShayne/ScanWithWeb/internal/session"
)

// serviceOpTimeout bounds each service's shutdown during daemon stop.
const serviceOpTimeout = 5 * time.Second

// Options group the dependencies required to construct a Daemon.
type Options struct {
	Paths    config.Paths
	Settings config.Settings

	// OnUIWake is invoked when a legacy tray client sends the wake frame.
	// Optional; the tray surface is an external collaborator.
	OnUIWake func()
}

// service is what the daemon starts and stops: the session store, the
// scanner router, and the gateway all expose this pair.
type service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// namedService pairs a service with the name used in error reports.
type namedService struct {
	name string
	svc  service
}

// Daemon is the main process: session store, scanner router, and gateway,
// started in that order and stopped in reverse.
type Daemon struct {
	opts     Options
	bus      *eventbus.Bus
	sessions *session.Store
	router   *scanner.Router
	gateway  *server.Server
	prefs    *prefs.Store

	// services in start order; stop walks it backwards.
	services []namedService

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	errMu  sync.Mutex
	runErr error

	wakeSub *eventbus.Subscription
}

// New constructs the daemon: bus, preferences, sessions and the scanner
// stack first, then the certificate, then the gateway. A missing
// certificate only disables WSS.
func New(opts Options) (*Daemon, error) {
	bus := eventbus.New()
	prefsStore := prefs.NewStore(opts.Paths.UserSettings)

	sessions := session.NewStore(
		opts.Settings.Session.TokenTTL(),
		opts.Settings.Session.MaxConcurrentSessions,
	)

	router := scanner.NewRouter(bus, scanner.WithPreferredDevice(func() string {
		return prefsStore.Get().DefaultDeviceID
	}))
	router.Register(twain.New(bus))
	router.Register(wia.New(bus))

	network := escl.New(bus)
	for _, host := range prefsStore.Get().NetworkHosts {
		network.AddHost(host)
	}
	router.Register(network)

	var tlsCert *tls.Certificate
	certManager := certs.NewManager(certs.Options{
		Path:         opts.Settings.WebSocket.CertificatePath,
		Password:     opts.Settings.WebSocket.CertificatePassword,
		Subject:      "localhost",
		ValidityDays: opts.Settings.WebSocket.CertificateValidityDays,
		AutoInstall:  opts.Settings.WebSocket.AutoInstallCertificate,
	})
	cert, err := certManager.Obtain()
	if err != nil {
		log.Printf("[Daemon] certificate unavailable, WSS disabled: %v", err)
	} else {
		tlsCert = cert
	}

	gateway := server.New(server.Options{
		WsPort:   opts.Settings.WebSocket.WsPort,
		WssPort:  opts.Settings.WebSocket.WssPort,
		TLSCert:  tlsCert,
		Sessions: sessions,
		Router:   router,
		Bus:      bus,
		Prefs:    prefsStore,
	})

	d := &Daemon{
		opts:       opts,
		bus:        bus,
		sessions:   sessions,
		router:     router,
		gateway:    gateway,
		prefs:      prefsStore,
		shutdownCh: make(chan struct{}),
	}

	// The gateway depends on the router's backends being initialized and
	// the session store's sweep running, so it starts last.
	d.services = []namedService{
		{"session_store", sessions},
		{"scanner_router", router},
		{"gateway", gateway},
	}

	return d, nil
}

// Start runs the daemon until Shutdown is called. It returns the first
// fatal service error, if any.
func (d *Daemon) Start() error {
	if err := writePIDFile(d.opts.Paths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer removePIDFile(d.opts.Paths.Lock)

	d.ctx, d.cancel = context.WithCancel(context.Background())

	for i, entry := range d.services {
		if err := entry.svc.Start(d.ctx); err != nil {
			d.stopServices(i)
			d.cancel()
			return fmt.Errorf("daemon: start %s: %w", entry.name, err)
		}
	}

	d.watchGatewayErrors()
	d.watchUIWake()

	<-d.shutdownCh

	if d.cancel != nil {
		d.cancel()
	}

	d.stopServices(len(d.services))
	d.bus.Shutdown()
	return d.getRunError()
}

// stopServices shuts down the first n services in reverse start order.
func (d *Daemon) stopServices(n int) {
	for i := n - 1; i >= 0; i-- {
		entry := d.services[i]
		ctx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
		if err := entry.svc.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "daemon: shutdown %s: %v\n", entry.name, err)
			d.setRunError(fmt.Errorf("daemon: shutdown %s: %w", entry.name, err))
		}
		cancel()
	}
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() error {
	if d.wakeSub != nil {
		d.wakeSub.Close()
	}
	d.signalShutdown()
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *Daemon) signalShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Gateway exposes the gateway, mainly so tests can read the bound port.
func (d *Daemon) Gateway() *server.Server {
	return d.gateway
}

// watchGatewayErrors turns a fatal listener error into a daemon stop. The
// gateway is the only service with a failure mode after a successful
// start; the store and router are in-process only.
func (d *Daemon) watchGatewayErrors() {
	go func() {
		for err := range d.gateway.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(fmt.Errorf("gateway: %w", err))
			fmt.Fprintf(os.Stderr, "gateway error: %v\n", err)
			d.signalShutdown()
			if d.cancel != nil {
				d.cancel()
			}
		}
	}()
}

// watchUIWake forwards legacy wake-up frames to the tray surface.
func (d *Daemon) watchUIWake() {
	d.wakeSub = d.bus.Subscribe(eventbus.TopicUIWake, eventbus.WithSubscriptionName("daemon"))
	go func() {
		for env := range d.wakeSub.C() {
			ev, ok := env.Payload.(eventbus.UIWakeEvent)
			if !ok {
				continue
			}
			log.Printf("[Daemon] UI wake-up requested by %s", ev.RemoteAddr)
			if d.opts.OnUIWake != nil {
				d.opts.OnUIWake()
			}
		}
	}()
}

func (d *Daemon) setRunError(err error) {
	if err == nil {
		return
	}
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// IsRunning checks whether another daemon already serves this data
// directory, based on the pid file.
func IsRunning(paths config.Paths) bool {
	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return false
	}
	pid := 0
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil || pid <= 0 {
		os.Remove(paths.Lock)
		return false
	}
	if !processAlive(pid) {
		os.Remove(paths.Lock)
		return false
	}
	return true
}

// writePIDFile records this process in the lock file with tight permissions.
func writePIDFile(pidFile string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o600)
}

func removePIDFile(pidFile string) {
	_ = os.Remove(pidFile)
}
