package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"qrattend/internal/token"
)

func newTestManager(store Store, clk Clock) *Manager {
	// Long tick so background engines stay idle while tests drive state.
	return NewManager(store, clk, zerolog.Nop(), 30*time.Minute, 5*time.Second, time.Minute, 2)
}

func TestManagerStartCreatesActiveSession(t *testing.T) {
	clk := newFakeClock()
	store := NewMemStore()
	m := newTestManager(store, clk)
	defer m.Shutdown(context.Background())

	s, err := m.Start(context.Background(), "fac-1", token.Class{Subject: "Networks", School: "SoE", Batch: "2026A"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Rotation != 0 || s.Payload == "" {
		t.Fatal("rotation-0 payload not issued synchronously")
	}
	if !s.ExpiresAt.Equal(s.CreatedAt.Add(30 * time.Minute)) {
		t.Fatal("expiry not derived from creation time and lifetime")
	}

	// The persisted payload must validate immediately.
	v := NewValidator(store, clk)
	acc, reason, err := v.Scan(context.Background(), s.Payload)
	if err != nil || reason != "" {
		t.Fatalf("fresh session payload rejected: %v %s", err, reason)
	}
	if acc.Session.ID != s.ID {
		t.Fatal("payload resolved to a different session")
	}

	active, err := m.ListActive(context.Background(), "fac-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != s.ID {
		t.Fatalf("list active = %d sessions, want the started one", len(active))
	}
}

func TestManagerEnforcesSessionLimit(t *testing.T) {
	clk := newFakeClock()
	store := NewMemStore()
	m := newTestManager(store, clk)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Start(ctx, "fac-1", token.Class{Subject: "Networks"}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if _, err := m.Start(ctx, "fac-1", token.Class{Subject: "Networks"}); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("third start: err = %v, want ErrSessionLimit", err)
	}

	// Another faculty member is unaffected.
	if _, err := m.Start(ctx, "fac-2", token.Class{Subject: "Algebra"}); err != nil {
		t.Fatalf("other faculty start: %v", err)
	}
}

func TestManagerDeactivateOwnership(t *testing.T) {
	clk := newFakeClock()
	store := NewMemStore()
	m := newTestManager(store, clk)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	s, err := m.Start(ctx, "fac-1", token.Class{Subject: "Networks"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Deactivate(ctx, s.ID, "fac-2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign deactivate: err = %v, want ErrNotOwner", err)
	}
	if err := m.Deactivate(ctx, "no-such-session", "fac-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown deactivate: err = %v, want ErrNotFound", err)
	}

	if err := m.Deactivate(ctx, s.ID, "fac-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	stored, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", stored.Status)
	}

	active, _ := m.ListActive(ctx, "fac-1")
	if len(active) != 0 {
		t.Fatalf("deactivated session still listed active")
	}
}

func TestManagerDeactivateWithoutLocalEngine(t *testing.T) {
	// A session created by another process has no engine here but can still
	// be expired through the store.
	clk := newFakeClock()
	store := NewMemStore()
	m := newTestManager(store, clk)

	s, _ := seedSession(t, store, clk, 0)
	if err := m.Deactivate(context.Background(), s.ID, "fac-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	stored, _ := store.Get(context.Background(), s.ID)
	if stored.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", stored.Status)
	}
}
