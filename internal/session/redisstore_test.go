package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"qrattend/internal/token"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Second, 1)
}

func seedRedisSession(t *testing.T, store *RedisStore) *Session {
	t.Helper()
	id := token.NewSessionID()
	class := token.Class{School: "SoE", Batch: "2026A", Subject: "Networks", Periods: 1}
	now := time.Now()
	p := token.NewPayload(id, 0, class, now)
	s := &Session{
		ID:        id,
		FacultyID: "fac-1",
		Class:     class,
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
		Status:    StatusActive,
		Rotation:  p.Rotation,
		Nonce:     p.Nonce,
		Checksum:  p.Checksum,
		Payload:   p.Encode(),
	}
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	s := seedRedisSession(t, store)

	got, err := store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != s.ID || got.FacultyID != s.FacultyID || got.Class != s.Class {
		t.Errorf("identity fields changed: got %+v want %+v", got, s)
	}
	if got.Rotation != s.Rotation || got.Nonce != s.Nonce || got.Checksum != s.Checksum || got.Payload != s.Payload {
		t.Errorf("rotation state changed: got %+v want %+v", got, s)
	}
	if got.Status != StatusActive || got.PresentCount != 0 {
		t.Errorf("got status %q count %d, want active and zero", got.Status, got.PresentCount)
	}
	if !got.ExpiresAt.Equal(s.ExpiresAt) {
		t.Errorf("got expiry %v, want %v", got.ExpiresAt, s.ExpiresAt)
	}
}

// The stored present_count must equal the cardinality of the present set no
// matter how submits interleave; a stale count written after a newer one would
// silently undercount the roster for the rest of the session.
func TestRedisAddPresentConcurrent(t *testing.T) {
	store := newTestRedisStore(t)
	s := seedRedisSession(t, store)

	const students = 24
	var wg sync.WaitGroup
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.AddPresent(context.Background(), s.ID, fmt.Sprintf("stu-%02d", i)); err != nil {
				t.Errorf("add present: %v", err)
			}
		}(i)
	}
	wg.Wait()

	present, err := store.PresentSet(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("present set: %v", err)
	}
	if len(present) != students {
		t.Fatalf("got %d students in set, want %d", len(present), students)
	}
	got, err := store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.PresentCount != students {
		t.Errorf("stored present_count = %d, want %d", got.PresentCount, students)
	}
}

func TestRedisAddPresentIdempotent(t *testing.T) {
	store := newTestRedisStore(t)
	s := seedRedisSession(t, store)

	for i := 0; i < 3; i++ {
		if _, err := store.AddPresent(context.Background(), s.ID, "stu-01"); err != nil {
			t.Fatalf("add present: %v", err)
		}
	}
	count, err := store.AddPresent(context.Background(), s.ID, "stu-02")
	if err != nil {
		t.Fatalf("add present: %v", err)
	}
	if count != 2 {
		t.Errorf("got count %d, want 2", count)
	}
}
