package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is a map-backed Store for development and tests, mirroring the
// partial-update semantics of the Redis adapter.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	present  map[string]map[string]struct{}
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*Session),
		present:  make(map[string]map[string]struct{}),
	}
}

func (m *MemStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) Update(ctx context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case FieldStatus:
			s.Status = Status(fmt.Sprint(v))
		case FieldRotation:
			if n, ok := v.(int); ok {
				s.Rotation = n
			}
		case FieldNonce:
			s.Nonce = fmt.Sprint(v)
		case FieldChecksum:
			s.Checksum = fmt.Sprint(v)
		case FieldPayload:
			s.Payload = fmt.Sprint(v)
		case FieldPresentCount:
			if n, ok := v.(int); ok {
				s.PresentCount = n
			}
		}
	}
	return nil
}

func (m *MemStore) ListActive(ctx context.Context, ownerID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*Session
	for _, s := range m.sessions {
		if s.FacultyID != ownerID || s.ExpiredAt(now) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) AddPresent(ctx context.Context, id, studentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	set := m.present[id]
	if set == nil {
		set = make(map[string]struct{})
		m.present[id] = set
	}
	set[studentID] = struct{}{}
	s.PresentCount = len(set)
	return len(set), nil
}

func (m *MemStore) ReplacePresent(ctx context.Context, id string, studentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	set := make(map[string]struct{}, len(studentIDs))
	for _, sid := range studentIDs {
		set[sid] = struct{}{}
	}
	m.present[id] = set
	s.PresentCount = len(set)
	return nil
}

func (m *MemStore) PresentSet(ctx context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.present[id]))
	for sid := range m.present[id] {
		out = append(out, sid)
	}
	return out, nil
}
