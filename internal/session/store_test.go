package session_test

import (
	"strings"
	"testing"
	"time"

	"github.com/WangShayne/ScanWithWeb/internal/session"
)

func newStore(t *testing.T, ttl time.Duration, max int) *session.Store {
	t.Helper()
	return session.NewStore(ttl, max)
}

func TestCreateAndValidate(t *testing.T) {
	st := newStore(t, time.Minute, 4)

	sess, err := st.Create("conn-1", "client-a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}
	if len(sess.Token) < 40 {
		t.Fatalf("token too short for 256 bits of entropy: %d chars", len(sess.Token))
	}
	if strings.ContainsAny(sess.Token, "+/=") {
		t.Fatalf("token not URL-safe: %q", sess.Token)
	}

	if got := st.Validate(sess.Token); got != sess {
		t.Fatalf("validate returned %v, want the created session", got)
	}
	if got := st.Validate("nonsense"); got != nil {
		t.Fatalf("unknown token validated: %v", got)
	}
}

func TestTokensAreUnique(t *testing.T) {
	st := newStore(t, time.Minute, 100)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sess, err := st.Create(string(rune('a'+i%26))+"-conn", "")
		if err != nil || sess == nil {
			t.Fatalf("create %d: %v %v", i, sess, err)
		}
		if seen[sess.Token] {
			t.Fatalf("duplicate token issued: %q", sess.Token)
		}
		seen[sess.Token] = true
	}
}

func TestSessionCap(t *testing.T) {
	st := newStore(t, time.Minute, 2)

	for i, conn := range []string{"c1", "c2"} {
		if sess, err := st.Create(conn, ""); err != nil || sess == nil {
			t.Fatalf("create %d: %v %v", i, sess, err)
		}
	}

	sess, err := st.Create("c3", "")
	if err != nil {
		t.Fatalf("create at cap: %v", err)
	}
	if sess != nil {
		t.Fatal("expected nil session at cap")
	}
}

func TestExpiryAndSweep(t *testing.T) {
	st := newStore(t, 10*time.Millisecond, 4)

	sess, _ := st.Create("conn-1", "")
	if st.Validate(sess.Token) == nil {
		t.Fatal("fresh token should validate")
	}

	time.Sleep(20 * time.Millisecond)

	if got := st.Validate(sess.Token); got != nil {
		t.Fatalf("expired token validated: %v", got)
	}
	// Validate removed it; the connection index must be gone too.
	if got := st.ByConnection("conn-1"); got != nil {
		t.Fatalf("connection index survived expiry: %v", got)
	}

	// Sweep removes entries that were never re-validated.
	other, _ := st.Create("conn-2", "")
	time.Sleep(20 * time.Millisecond)
	if removed := st.Sweep(); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if st.ByConnection("conn-2") != nil {
		t.Fatal("swept session still reachable by connection")
	}
	_ = other
}

func TestRenewExtendsExpiry(t *testing.T) {
	st := newStore(t, 30*time.Millisecond, 4)

	sess, _ := st.Create("conn-1", "")
	before := sess.ExpiresAt()

	time.Sleep(10 * time.Millisecond)
	if st.Renew(sess.Token) == nil {
		t.Fatal("renew failed for live token")
	}
	if !sess.ExpiresAt().After(before) {
		t.Fatal("renew did not extend expiry")
	}

	if st.Renew("unknown") != nil {
		t.Fatal("renew of unknown token should return nil")
	}
}

func TestRemoveKeepsIndexesConsistent(t *testing.T) {
	st := newStore(t, time.Minute, 4)

	sess, _ := st.Create("conn-1", "")

	st.Remove(sess.Token)
	if st.Validate(sess.Token) != nil || st.ByConnection("conn-1") != nil {
		t.Fatal("remove left an index entry behind")
	}
	// Idempotent.
	st.Remove(sess.Token)
	st.RemoveByConnection("conn-1")

	sess2, _ := st.Create("conn-2", "")
	st.RemoveByConnection("conn-2")
	if st.Validate(sess2.Token) != nil || st.ByConnection("conn-2") != nil {
		t.Fatal("remove-by-connection left an index entry behind")
	}
}

func TestReconnectReplacesSessionOnSameConnection(t *testing.T) {
	st := newStore(t, time.Minute, 4)

	first, _ := st.Create("conn-1", "")
	second, _ := st.Create("conn-1", "")

	if st.Validate(first.Token) != nil {
		t.Fatal("old session survived re-authentication on the same connection")
	}
	if st.ByConnection("conn-1") != second {
		t.Fatal("connection not bound to the new session")
	}
	if st.Count() != 1 {
		t.Fatalf("expected 1 live session, got %d", st.Count())
	}
}

func TestScanFlag(t *testing.T) {
	st := newStore(t, time.Minute, 4)
	sess, _ := st.Create("conn-1", "")

	if !sess.BeginScan("job-1") {
		t.Fatal("first scan should claim the session")
	}
	if sess.BeginScan("job-2") {
		t.Fatal("second scan should be rejected while the first is active")
	}

	// Ending with the wrong id is a no-op.
	sess.EndScan("job-2")
	if _, scanning := sess.ActiveScan(); !scanning {
		t.Fatal("wrong-id EndScan cleared the flag")
	}

	sess.EndScan("job-1")
	if _, scanning := sess.ActiveScan(); scanning {
		t.Fatal("scan flag not cleared")
	}
	if !sess.BeginScan("job-3") {
		t.Fatal("session should accept a new scan after release")
	}
}
