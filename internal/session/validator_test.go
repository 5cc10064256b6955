package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"qrattend/internal/metrics"
	"qrattend/internal/token"
)

func seedSession(t *testing.T, store Store, clk Clock, rotation int) (*Session, token.Payload) {
	t.Helper()
	id := token.NewSessionID()
	class := token.Class{School: "SoE", Batch: "2026A", Subject: "Networks", Periods: 1}
	now := clk.Now()
	p := token.NewPayload(id, rotation, class, now)
	s := &Session{
		ID:        id,
		FacultyID: "fac-1",
		Class:     class,
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
		Status:    StatusActive,
		Rotation:  rotation,
		Nonce:     p.Nonce,
		Checksum:  p.Checksum,
		Payload:   p.Encode(),
	}
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s, p
}

func TestScanAccept(t *testing.T) {
	clk := newFakeClock()
	store := NewMemStore()
	s, p := seedSession(t, store, clk, 2)
	v := NewValidator(store, clk)

	acc, reason, err := v.Scan(context.Background(), p.Encode())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if reason != "" {
		t.Fatalf("valid payload rejected: %s", reason)
	}
	if acc.Session.ID != s.ID {
		t.Fatalf("resolved wrong session: %s", acc.Session.ID)
	}
	if acc.Payload.Rotation != 2 {
		t.Fatalf("resolved rotation %d, want 2", acc.Payload.Rotation)
	}
}

func TestScanConcurrentAcceptsSamePayload(t *testing.T) {
	// Many students scanning the live code at once must all be accepted.
	clk := newFakeClock()
	store := NewMemStore()
	_, p := seedSession(t, store, clk, 0)
	v := NewValidator(store, clk)
	raw := p.Encode()

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, reason, err := v.Scan(context.Background(), raw)
			if err != nil {
				errs <- err
				return
			}
			if reason != "" {
				errs <- &rejectErr{reason}
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent scan failed: %v", err)
		}
	}
}

type rejectErr struct{ reason RejectReason }

func (e *rejectErr) Error() string { return "rejected: " + string(e.reason) }

func TestScanRejectsMalformed(t *testing.T) {
	v := NewValidator(NewMemStore(), newFakeClock())
	for _, raw := range []string{"", "!!!", "bm90LWpzb24"} {
		_, reason, err := v.Scan(context.Background(), raw)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if reason != MalformedPayload {
			t.Fatalf("raw %q: reason = %q, want %s", raw, reason, MalformedPayload)
		}
	}
}

func TestScanRejectsTampering(t *testing.T) {
	clk := newFakeClock()
	store := NewMemStore()
	_, p := seedSession(t, store, clk, 1)
	v := NewValidator(store, clk)

	mutate := []struct {
		name string
		fn   func(token.Payload) token.Payload
		want RejectReason
	}{
		{"nonce", func(q token.Payload) token.Payload { q.Nonce = "forged"; return q }, TamperedPayload},
		{"rotation", func(q token.Payload) token.Payload { q.Rotation = 5; return q }, TamperedPayload},
		{"checksum", func(q token.Payload) token.Payload { q.Checksum = "forged"; return q }, TamperedPayload},
		{"session id", func(q token.Payload) token.Payload { q.SessionID = "other"; return q }, TamperedPayload},
	}
	for _, tc := range mutate {
		t.Run(tc.name, func(t *testing.T) {
			_, reason, err := v.Scan(context.Background(), tc.fn(p).Encode())
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if reason != tc.want {
				t.Fatalf("reason = %q, want %s", reason, tc.want)
			}
		})
	}
}

func TestScanRejectsUnknownSession(t *testing.T) {
	clk := newFakeClock()
	v := NewValidator(NewMemStore(), clk)

	// Internally consistent payload for a session that was never created.
	p := token.NewPayload("ghost-session", 0, token.Class{Subject: "Networks"}, clk.Now())
	_, reason, err := v.Scan(context.Background(), p.Encode())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if reason != UnknownSession {
		t.Fatalf("reason = %q, want %s", reason, UnknownSession)
	}
}

func TestScanRejectsStaleAndFutureRotations(t *testing.T) {
	clk := newFakeClock()
	store := NewMemStore()
	s, _ := seedSession(t, store, clk, 3)
	v := NewValidator(store, clk)

	stale := token.NewPayload(s.ID, 2, s.Class, clk.Now())
	_, reason, _ := v.Scan(context.Background(), stale.Encode())
	if reason != StalePayload {
		t.Fatalf("old rotation: reason = %q, want %s", reason, StalePayload)
	}

	future := token.NewPayload(s.ID, 4, s.Class, clk.Now())
	_, reason, _ = v.Scan(context.Background(), future.Encode())
	if reason != InvalidRotation {
		t.Fatalf("future rotation: reason = %q, want %s", reason, InvalidRotation)
	}
}

func TestScanIgnoresPayloadTimestamp(t *testing.T) {
	// A client may report any clock it likes; acceptance follows store state.
	clk := newFakeClock()
	store := NewMemStore()
	s, p := seedSession(t, store, clk, 0)

	p.IssuedAt = clk.Now().Add(-24 * time.Hour)
	p.Checksum = token.Checksum(s.ID, p.Rotation, p.Nonce)
	v := NewValidator(store, clk)

	_, reason, err := v.Scan(context.Background(), p.Encode())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if reason != "" {
		t.Fatalf("payload rejected on self-reported timestamp: %s", reason)
	}
}

// A student flow runs the decision twice, once at scan and once at submit;
// the accepted counter must advance only once for it.
func TestAcceptanceCountedOnceAcrossScanAndSubmit(t *testing.T) {
	clk := newFakeClock()
	store := NewMemStore()
	_, p := seedSession(t, store, clk, 0)
	v := NewValidator(store, clk)

	counter := metrics.ScansTotal.WithLabelValues("accepted")
	before := testutil.ToFloat64(counter)

	if _, reason, err := v.Scan(context.Background(), p.Encode()); err != nil || reason != "" {
		t.Fatalf("scan: reason=%q err=%v", reason, err)
	}
	if _, reason, err := v.Authorize(context.Background(), p.Encode()); err != nil || reason != "" {
		t.Fatalf("authorize: reason=%q err=%v", reason, err)
	}

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("accepted counter advanced by %v across scan and submit, want 1", got)
	}
}

func TestAuthorizeStillCountsRejects(t *testing.T) {
	clk := newFakeClock()
	store := NewMemStore()
	s, _ := seedSession(t, store, clk, 3)
	stale := token.NewPayload(s.ID, 2, s.Class, clk.Now())

	counter := metrics.ScansTotal.WithLabelValues(string(StalePayload))
	before := testutil.ToFloat64(counter)

	v := NewValidator(store, clk)
	if _, reason, err := v.Authorize(context.Background(), stale.Encode()); err != nil || reason != StalePayload {
		t.Fatalf("authorize: reason=%q err=%v, want %q", reason, err, StalePayload)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("stale counter advanced by %v, want 1", got)
	}
}
