package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"qrattend/internal/metrics"
	"qrattend/internal/token"
)

// degradedThreshold is the number of consecutive failed rotation persists
// after which a session is reported degraded. The engine keeps serving the
// last-known-good payload either way.
const degradedThreshold = 3

// Engine drives one session's payload rotation. It is a two-state machine:
// active until the fixed deadline (or an explicit deactivate), then expired,
// which is terminal. All timer work stops once expired.
type Engine struct {
	store Store
	clock Clock
	log   zerolog.Logger

	sessionID string
	class     token.Class
	expiresAt time.Time

	rotationInterval time.Duration
	tickInterval     time.Duration

	mu               sync.Mutex
	rotation         int
	payload          token.Payload
	rotationDeadline time.Time
	expired          bool
	failures         int
	degraded         bool
	done             chan struct{}
}

func newEngine(store Store, clock Clock, log zerolog.Logger, s *Session, initial token.Payload, rotationInterval, tickInterval time.Duration) *Engine {
	return &Engine{
		store:            store,
		clock:            clock,
		log:              log.With().Str("session_id", s.ID).Logger(),
		sessionID:        s.ID,
		class:            s.Class,
		expiresAt:        s.ExpiresAt,
		rotationInterval: rotationInterval,
		tickInterval:     tickInterval,
		rotation:         0,
		payload:          initial,
		rotationDeadline: s.CreatedAt.Add(rotationInterval),
		done:             make(chan struct{}),
	}
}

// run ticks until the session expires or ctx is cancelled. The ticker is
// always stopped before returning; no periodic work survives expiry.
func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
			if e.Expired() {
				return
			}
		}
	}
}

// Tick advances the state machine one step. The hard lifetime check runs
// before any rotation so a session can never rotate past its deadline. A tick
// that observes the expired state does nothing.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.expired {
		return
	}

	now := e.clock.Now()
	if !now.Before(e.expiresAt) {
		e.expireLocked(ctx, "lifetime elapsed")
		return
	}
	if now.Before(e.rotationDeadline) {
		return
	}

	next := e.rotation + 1
	p := token.NewPayload(e.sessionID, next, e.class, now)
	err := e.store.Update(ctx, e.sessionID, map[string]any{
		FieldRotation: next,
		FieldNonce:    p.Nonce,
		FieldChecksum: p.Checksum,
		FieldPayload:  p.Encode(),
	})
	if err != nil {
		// The previous payload stays current; the deadline is left in the
		// past so the next tick retries the same rotation.
		e.failures++
		metrics.RotationFailures.Inc()
		e.log.Warn().Err(err).Int("rotation", next).Int("consecutive_failures", e.failures).
			Msg("rotation persist failed, serving previous payload")
		if e.failures >= degradedThreshold && !e.degraded {
			e.degraded = true
			metrics.DegradedSessions.Inc()
			e.log.Error().Int("consecutive_failures", e.failures).Msg("session degraded")
		}
		return
	}

	if e.degraded {
		e.degraded = false
		metrics.DegradedSessions.Dec()
		e.log.Info().Msg("session recovered from degraded state")
	}
	e.failures = 0
	e.rotation = next
	e.payload = p
	e.rotationDeadline = now.Add(e.rotationInterval)
	metrics.RotationsTotal.Inc()
	e.log.Debug().Int("rotation", next).Msg("payload rotated")
}

// Deactivate forces the terminal state immediately, regardless of timers.
func (e *Engine) Deactivate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired {
		return
	}
	e.expireLocked(ctx, "deactivated by owner")
}

// expireLocked flips to the absorbing expired state and persists it. The
// store write is best-effort: even if it fails, the engine stops producing
// payloads, and the validator's own deadline check rejects future scans.
func (e *Engine) expireLocked(ctx context.Context, why string) {
	e.expired = true
	if e.degraded {
		e.degraded = false
		metrics.DegradedSessions.Dec()
	}
	if err := e.store.Update(ctx, e.sessionID, map[string]any{FieldStatus: string(StatusExpired)}); err != nil {
		e.log.Warn().Err(err).Msg("failed to persist session expiry")
	}
	e.log.Info().Str("reason", why).Int("final_rotation", e.rotation).Msg("session expired")
}

// Expired reports whether the engine has reached its terminal state.
func (e *Engine) Expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expired
}

// Degraded reports whether rotation persists are persistently failing.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Rotation returns the engine's current rotation index.
func (e *Engine) Rotation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rotation
}

// CurrentPayload returns the payload the engine considers current. The store
// copy is authoritative for validation; this is the engine's own view.
func (e *Engine) CurrentPayload() token.Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payload
}
