package session

import "context"

// Field names accepted by Store.Update. The store applies partial updates with
// last-write-wins semantics; nothing here assumes conditional writes.
const (
	FieldStatus       = "status"
	FieldRotation     = "rotation"
	FieldNonce        = "nonce"
	FieldChecksum     = "checksum"
	FieldPayload      = "payload"
	FieldPresentCount = "present_count"
)

// Store is the external session document collaborator. Implementations must
// bound each call's latency; callers treat a timeout like any other store
// failure.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	ListActive(ctx context.Context, ownerID string) ([]*Session, error)

	// Aggregate helpers for the present-student set. AddPresent adds one
	// student and returns the resulting set size with the stored count already
	// refreshed; ReplacePresent rebuilds the set from durable records during
	// reconciliation.
	AddPresent(ctx context.Context, id, studentID string) (int, error)
	ReplacePresent(ctx context.Context, id string, studentIDs []string) error
	PresentSet(ctx context.Context, id string) ([]string, error)
}
