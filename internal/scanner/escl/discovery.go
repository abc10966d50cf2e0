package escl

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// discoveryInterval is the pause between probe rounds.
	discoveryInterval = 30 * time.Second

	// probeTimeout bounds a single host probe; discovery probes must fail
	// fast so one dead host does not stall the round.
	probeTimeout = 5 * time.Second
)

// probeLimit keeps discovery polite on the local network: at most four
// probes per second; the limiters built from it allow a burst of two.
var probeLimit = rate.Limit(4)

// StartDiscovery launches the periodic probe loop over the registered
// candidate hosts. The loop stops with the context.
func (b *Backend) StartDiscovery(ctx context.Context) {
	go func() {
		limiter := rate.NewLimiter(probeLimit, 2)

		// First round immediately so devices appear shortly after start.
		b.probeRound(ctx, limiter)

		ticker := time.NewTicker(discoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.probeRound(ctx, limiter)
			}
		}
	}()
}

// probeAll runs one synchronous probe round with its own limiter. Used when
// enumeration finds an empty cache.
func (b *Backend) probeAll(ctx context.Context) {
	b.probeRound(ctx, rate.NewLimiter(probeLimit, 2))
}

func (b *Backend) probeRound(ctx context.Context, limiter *rate.Limiter) {
	b.mu.Lock()
	hosts := append([]string(nil), b.hosts...)
	b.mu.Unlock()

	for _, host := range hosts {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := b.probeHost(ctx, host); err != nil {
			b.mu.Lock()
			if _, known := b.devices[host]; known {
				log.Printf("[ESCL] %s no longer answering, dropping from cache: %v", host, err)
				delete(b.devices, host)
			}
			b.mu.Unlock()
		}
	}
}

// probeHost fetches the capabilities document from one endpoint and, on
// success, inserts or refreshes the device cache entry. Plain HTTP is tried
// after HTTPS so both device generations are reachable.
func (b *Backend) probeHost(ctx context.Context, host string) (*device, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		base := scheme + "://" + host
		caps, err := newClient(base, b.http).capabilities(probeCtx)
		if err != nil {
			lastErr = err
			continue
		}

		name := strings.TrimSpace(caps.MakeAndModel)
		if name == "" {
			name = hostLabel(host)
		}

		d := &device{host: host, base: base, name: name, caps: caps}
		b.mu.Lock()
		b.devices[host] = d
		b.mu.Unlock()
		return d, nil
	}
	return nil, lastErr
}

func hostLabel(host string) string {
	if u, err := url.Parse("//" + host); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return host
}
