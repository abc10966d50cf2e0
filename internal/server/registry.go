package server

import (
	"sync"

	"github.com/WangShayne/ScanWithWeb/internal/eventbus"
)

// jobHandlers are the three scoped event handlers a scan request binds.
type jobHandlers struct {
	onPage      func(eventbus.PageEvent)
	onCompleted func(eventbus.CompletedEvent)
	onError     func(eventbus.ErrorEvent)
}

// jobRegistry maps request ids to their handler bindings. Registration and
// unregistration are idempotent; late events for unregistered ids fall
// through silently, which is what suppresses terminal races after stop_scan.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*jobHandlers
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*jobHandlers)}
}

func (r *jobRegistry) register(requestID string, h *jobHandlers) {
	r.mu.Lock()
	r.jobs[requestID] = h
	r.mu.Unlock()
}

func (r *jobRegistry) unregister(requestID string) {
	r.mu.Lock()
	delete(r.jobs, requestID)
	r.mu.Unlock()
}

func (r *jobRegistry) lookup(requestID string) *jobHandlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[requestID]
}
