// Package session implements the QR attendance session protocol: the session
// document, its store adapter, the per-session rotation engine, and the scan
// validator.
package session

import (
	"errors"
	"time"

	"qrattend/internal/token"
)

// Status is the lifecycle state of a session. Sessions are active from
// creation; expiry is terminal, whether by deadline or explicit deactivation.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// RejectReason classifies why a scan was refused.
type RejectReason string

const (
	MalformedPayload RejectReason = "malformed_payload"
	TamperedPayload  RejectReason = "tampered_payload"
	UnknownSession   RejectReason = "unknown_session"
	SessionExpired   RejectReason = "session_expired"
	StalePayload     RejectReason = "stale_payload"
	InvalidRotation  RejectReason = "invalid_rotation"
)

var (
	// ErrNotFound is returned by the store when no session exists for an id.
	ErrNotFound = errors.New("session: not found")
	// ErrSessionLimit is returned when a faculty member already runs the
	// configured maximum of concurrent sessions.
	ErrSessionLimit = errors.New("session: active session limit reached")
	// ErrNotOwner is returned when a deactivate request comes from anyone but
	// the session's creator.
	ErrNotOwner = errors.New("session: requester does not own session")
)

// Session is one faculty-initiated, time-boxed authorization to record
// attendance. The identity and class context never change after creation; the
// rotation fields are replaced wholesale by the engine on every rotation.
type Session struct {
	ID        string
	FacultyID string
	Class     token.Class

	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status

	// Current rotation state. Payload is the encoded form of the credential
	// currently on display; prior rotations are void the moment these advance.
	Rotation int
	Nonce    string
	Checksum string
	Payload  string

	PresentCount int
}

// ExpiredAt reports whether the session is unusable at the given instant,
// either marked expired in the store or past its fixed deadline.
func (s *Session) ExpiredAt(now time.Time) bool {
	return s.Status == StatusExpired || !now.Before(s.ExpiresAt)
}

// Clock supplies wall-clock time to the engine and validator so tests can
// drive the protocol without real timers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }
