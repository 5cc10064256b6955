package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"qrattend/internal/metrics"
	"qrattend/internal/token"
)

// Manager owns the rotation engines running in this process, one per active
// session. Engines share no state with each other; the store is the only
// cross-session surface.
type Manager struct {
	store Store
	clock Clock
	log   zerolog.Logger

	lifetime         time.Duration
	rotationInterval time.Duration
	tickInterval     time.Duration
	maxActive        int

	mu      sync.Mutex
	engines map[string]*Engine
	cancels map[string]context.CancelFunc
}

// NewManager wires a manager over the given store and clock.
func NewManager(store Store, clock Clock, log zerolog.Logger, lifetime, rotationInterval, tickInterval time.Duration, maxActive int) *Manager {
	return &Manager{
		store:            store,
		clock:            clock,
		log:              log,
		lifetime:         lifetime,
		rotationInterval: rotationInterval,
		tickInterval:     tickInterval,
		maxActive:        maxActive,
		engines:          make(map[string]*Engine),
		cancels:          make(map[string]context.CancelFunc),
	}
}

// Start creates a session for the faculty member, persists it with its
// rotation-0 payload already current, and launches the rotation engine.
func (m *Manager) Start(ctx context.Context, facultyID string, class token.Class) (*Session, error) {
	active, err := m.store.ListActive(ctx, facultyID)
	if err != nil {
		return nil, err
	}
	if len(active) >= m.maxActive {
		return nil, ErrSessionLimit
	}

	now := m.clock.Now()
	id := token.NewSessionID()
	p := token.NewPayload(id, 0, class, now)

	s := &Session{
		ID:        id,
		FacultyID: facultyID,
		Class:     class,
		CreatedAt: now,
		ExpiresAt: now.Add(m.lifetime),
		Status:    StatusActive,
		Rotation:  0,
		Nonce:     p.Nonce,
		Checksum:  p.Checksum,
		Payload:   p.Encode(),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}

	e := newEngine(m.store, m.clock, m.log, s, p, m.rotationInterval, m.tickInterval)
	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.engines[id] = e
	m.cancels[id] = cancel
	m.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	m.log.Info().Str("session_id", id).Str("faculty_id", facultyID).
		Time("expires_at", s.ExpiresAt).Msg("session started")

	go func() {
		e.run(runCtx)
		m.remove(id)
	}()
	return s, nil
}

// Deactivate expires a session on behalf of its creator. A session whose
// engine runs elsewhere (or whose process restarted) is expired directly in
// the store.
func (m *Manager) Deactivate(ctx context.Context, id, requesterID string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.FacultyID != requesterID {
		return ErrNotOwner
	}

	m.mu.Lock()
	e := m.engines[id]
	cancel := m.cancels[id]
	m.mu.Unlock()

	if e != nil {
		e.Deactivate(ctx)
		if cancel != nil {
			cancel()
		}
		return nil
	}
	return m.store.Update(ctx, id, map[string]any{FieldStatus: string(StatusExpired)})
}

// Get loads a session from the store.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// ListActive returns the faculty member's live sessions.
func (m *Manager) ListActive(ctx context.Context, facultyID string) ([]*Session, error) {
	return m.store.ListActive(ctx, facultyID)
}

// Engine returns the local engine for a session, if this process runs it.
func (m *Manager) Engine(id string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[id]
}

// Shutdown expires every locally running session and stops its timer. A
// session without a live engine cannot rotate, so leaving it nominally active
// in the store would only strand students on a frozen payload.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	engines := make(map[string]*Engine, len(m.engines))
	cancels := make(map[string]context.CancelFunc, len(m.cancels))
	for id, e := range m.engines {
		engines[id] = e
		cancels[id] = m.cancels[id]
	}
	m.mu.Unlock()

	for id, e := range engines {
		e.Deactivate(ctx)
		if cancel := cancels[id]; cancel != nil {
			cancel()
		}
		<-e.done
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.engines[id]
	if ok {
		delete(m.engines, id)
		if cancel := m.cancels[id]; cancel != nil {
			cancel()
		}
		delete(m.cancels, id)
	}
	m.mu.Unlock()
	if ok {
		metrics.ActiveSessions.Dec()
	}
}
