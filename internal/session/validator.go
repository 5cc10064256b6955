package session

import (
	"context"
	"errors"

	"qrattend/internal/metrics"
	"qrattend/internal/token"
)

// Validator decides whether a scanned payload authorizes an attendance write.
// Decisions come from the store's rotation state and the server clock; the
// payload's own timestamp is advisory only, since the scanning device's clock
// is untrusted.
type Validator struct {
	store Store
	clock Clock
}

// NewValidator builds a validator over the authoritative session store.
func NewValidator(store Store, clock Clock) *Validator {
	return &Validator{store: store, clock: clock}
}

// Acceptance carries the resolved session for the recorder after a scan is
// accepted.
type Acceptance struct {
	Session *Session
	Payload token.Payload
}

// Scan validates a raw scanned string and counts the decision in the scan
// metrics. A non-empty RejectReason means the scan was refused; a non-nil
// error means the store could not answer and the client may retry.
func (v *Validator) Scan(ctx context.Context, raw string) (*Acceptance, RejectReason, error) {
	acc, reason, err := v.decide(ctx, raw)
	if err != nil {
		return nil, "", err
	}
	if reason != "" {
		metrics.ScansTotal.WithLabelValues(string(reason)).Inc()
		return nil, reason, nil
	}
	metrics.ScansTotal.WithLabelValues("accepted").Inc()
	return acc, "", nil
}

// Authorize re-checks a payload on the attendance submit path. Rejects are
// counted since each is its own refusal, but an acceptance is not counted
// again: the student's scan already did.
func (v *Validator) Authorize(ctx context.Context, raw string) (*Acceptance, RejectReason, error) {
	acc, reason, err := v.decide(ctx, raw)
	if err != nil {
		return nil, "", err
	}
	if reason != "" {
		metrics.ScansTotal.WithLabelValues(string(reason)).Inc()
		return nil, reason, nil
	}
	return acc, "", nil
}

func (v *Validator) decide(ctx context.Context, raw string) (*Acceptance, RejectReason, error) {
	p, err := token.Decode(raw)
	if err != nil {
		return nil, MalformedPayload, nil
	}

	if token.Checksum(p.SessionID, p.Rotation, p.Nonce) != p.Checksum {
		return nil, TamperedPayload, nil
	}

	s, err := v.store.Get(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, UnknownSession, nil
		}
		return nil, "", err
	}

	if s.ExpiredAt(v.clock.Now()) {
		return nil, SessionExpired, nil
	}

	// Strict rotation equality: a payload from a superseded rotation is
	// permanently void even though the session is still live, and a rotation
	// ahead of the store cannot come from a well-behaved client.
	switch {
	case p.Rotation < s.Rotation:
		return nil, StalePayload, nil
	case p.Rotation > s.Rotation:
		return nil, InvalidRotation, nil
	}

	return &Acceptance{Session: s, Payload: p}, "", nil
}
