package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Record is one student's accepted presence against one session. Records are
// written once and never mutated; corrections happen elsewhere.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Rotation   int       `json:"rotation"`
	PhotoURL   string    `json:"photo_url,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Derived record statuses.
const (
	StatusPresent = "present"
	StatusLate    = "late"
)

// Repository persists attendance records in Postgres. The composite primary
// key on (session_id, student_id) is what makes the insert-if-absent below
// race-free: two concurrent submits for the same student resolve to one row
// without any read-then-write window.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the records table if missing.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS attendance_records (
			id          TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			student_id  TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			rotation    INT NOT NULL,
			photo_url   TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (session_id, student_id)
		)
	`)
	return err
}

// Insert writes a record if none exists for the (session, student) pair.
// Returns false when the pair was already recorded.
func (r *Repository) Insert(ctx context.Context, rec Record) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, recorded_at, rotation, photo_url, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.RecordedAt, rec.Rotation, rec.PhotoURL, rec.Status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the record for a (session, student) pair, or nil when absent.
func (r *Repository) Get(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, recorded_at, rotation, photo_url, status, created_at
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.RecordedAt, &rec.Rotation, &rec.PhotoURL, &rec.Status, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListBySession returns a session's records, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, recorded_at, rotation, photo_url, status, created_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.RecordedAt, &rec.Rotation, &rec.PhotoURL, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// StudentIDs returns the distinct students recorded for a session; the
// reconcile path rebuilds the aggregate from this.
func (r *Repository) StudentIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM attendance_records WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
