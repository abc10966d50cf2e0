package scanner

import "sync"

// Job tracks one acquisition's lifecycle inside a backend. Device libraries
// can signal transfer errors repeatedly (feeder polling, jam retries,
// end-of-batch); the job's monotonic terminated transition guarantees the
// first terminal signal wins and everything after it is suppressed.
type Job struct {
	mu         sync.Mutex
	requestID  string
	active     bool
	pages      int
	terminated bool
}

// Begin claims the job for a request id. Returns false while a previous
// job is still active.
func (j *Job) Begin(requestID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active && !j.terminated {
		return false
	}
	j.requestID = requestID
	j.active = true
	j.pages = 0
	j.terminated = false
	return true
}

// RequestID returns the owning request id.
func (j *Job) RequestID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.requestID
}

// PageDelivered bumps the page counter and returns the new ordinal,
// starting at 1. Pages arriving after termination return 0 and must be
// dropped by the caller.
func (j *Job) PageDelivered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.active || j.terminated {
		return 0
	}
	j.pages++
	return j.pages
}

// Pages returns the number of pages delivered so far.
func (j *Job) Pages() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pages
}

// Terminate performs the monotonic terminated transition. It returns true
// exactly once per job: only the winning caller may emit a terminal event.
func (j *Job) Terminate() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.active || j.terminated {
		return false
	}
	j.terminated = true
	return true
}

// Terminated reports whether the job has reached its terminal state.
func (j *Job) Terminated() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.active || j.terminated
}

// Release clears the job so the device can serve the next request.
func (j *Job) Release() {
	j.mu.Lock()
	j.active = false
	j.requestID = ""
	j.mu.Unlock()
}
