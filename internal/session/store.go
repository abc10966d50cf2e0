package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// Session is the authenticated state bound to one WebSocket connection.
// Mutable fields are guarded by the session's own mutex; the store only
// guards its indexes.
type Session struct {
	Token        string
	ConnectionID string
	ClientID     string
	CreatedAt    time.Time

	mu              sync.Mutex
	lastActivity    time.Time
	expiresAt       time.Time
	selectedScanner string
	scanRequestID   string
	scanning        bool
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}

// ExpiresAt returns the current expiry timestamp.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// SetSelectedScanner records the device id this session last selected.
func (s *Session) SetSelectedScanner(id string) {
	s.mu.Lock()
	s.selectedScanner = id
	s.mu.Unlock()
}

// SelectedScanner returns the device id this session last selected.
func (s *Session) SelectedScanner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedScanner
}

// BeginScan marks the session as scanning for the given request id.
// It fails when a scan is already active — a session runs at most one job.
func (s *Session) BeginScan(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanning {
		return false
	}
	s.scanning = true
	s.scanRequestID = requestID
	return true
}

// EndScan clears the scanning state if requestID owns it. Idempotent.
func (s *Session) EndScan(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanRequestID == requestID {
		s.scanning = false
		s.scanRequestID = ""
	}
}

// ActiveScan returns the active scan request id, if any.
func (s *Session) ActiveScan() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanRequestID, s.scanning
}

// Store issues, validates, renews and expires authentication tokens, and
// maps connections to sessions. Both indexes are maintained under one lock
// so after any mutation either both entries exist or both are gone.
type Store struct {
	ttl         time.Duration
	maxSessions int

	mu      sync.Mutex
	byToken map[string]*Session
	byConn  map[string]string // connection id → token
}

// NewStore creates a session store with the given token TTL and session cap.
func NewStore(ttl time.Duration, maxSessions int) *Store {
	return &Store{
		ttl:         ttl,
		maxSessions: maxSessions,
		byToken:     make(map[string]*Session),
		byConn:      make(map[string]string),
	}
}

// Start runs the periodic expiry sweep until the context is cancelled.
func (st *Store) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.Sweep()
			}
		}
	}()
	return nil
}

// Shutdown completes the store's service stop; sessions are in-memory
// only so there is nothing to flush.
func (st *Store) Shutdown(ctx context.Context) error {
	return nil
}

// Create issues a new session bound to the given connection. Returns nil
// when the live session count has reached the configured maximum.
func (st *Store) Create(connectionID, clientID string) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("session: generate token: %w", err)
	}

	now := time.Now()
	sess := &Session{
		Token:        token,
		ConnectionID: connectionID,
		ClientID:     clientID,
		CreatedAt:    now,
		lastActivity: now,
		expiresAt:    now.Add(st.ttl),
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.byToken) >= st.maxSessions {
		log.Printf("[SessionStore] session cap reached (%d), rejecting client %q", st.maxSessions, clientID)
		return nil, nil
	}

	// A reconnecting client reuses its connection slot: drop any session
	// previously bound to this connection before inserting the new one.
	if old, ok := st.byConn[connectionID]; ok {
		delete(st.byToken, old)
		delete(st.byConn, connectionID)
	}

	st.byToken[token] = sess
	st.byConn[connectionID] = token
	return sess, nil
}

// Validate returns the session for the token if it has not expired,
// refreshing its last-activity timestamp. Expired entries are removed.
func (st *Store) Validate(token string) *Session {
	st.mu.Lock()
	sess, ok := st.byToken[token]
	if ok && sess.Expired(time.Now()) {
		st.removeLocked(token)
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	if !ok {
		return nil
	}
	sess.Touch()
	return sess
}

// ByConnection returns the session bound to the given connection id.
func (st *Store) ByConnection(connectionID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	token, ok := st.byConn[connectionID]
	if !ok {
		return nil
	}
	return st.byToken[token]
}

// Renew extends the session's expiry to now + TTL.
func (st *Store) Renew(token string) *Session {
	st.mu.Lock()
	sess, ok := st.byToken[token]
	st.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	sess.expiresAt = time.Now().Add(st.ttl)
	sess.lastActivity = time.Now()
	sess.mu.Unlock()
	return sess
}

// Remove deletes the session for the token. Unknown tokens are a no-op.
func (st *Store) Remove(token string) {
	st.mu.Lock()
	st.removeLocked(token)
	st.mu.Unlock()
}

// RemoveByConnection deletes the session bound to the connection. Idempotent.
func (st *Store) RemoveByConnection(connectionID string) {
	st.mu.Lock()
	if token, ok := st.byConn[connectionID]; ok {
		st.removeLocked(token)
	}
	st.mu.Unlock()
}

// Sweep removes all expired sessions and returns how many were dropped.
func (st *Store) Sweep() int {
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for token, sess := range st.byToken {
		if sess.Expired(now) {
			st.removeLocked(token)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[SessionStore] sweep removed %d expired session(s), %d live", removed, len(st.byToken))
	}
	return removed
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byToken)
}

func (st *Store) removeLocked(token string) {
	sess, ok := st.byToken[token]
	if !ok {
		return
	}
	delete(st.byToken, token)
	delete(st.byConn, sess.ConnectionID)
}

// generateToken produces a URL-safe token with 256 bits of entropy.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
