package attendance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/session"
)

// Outcome classifies the result of a record attempt. AlreadyRecorded and
// PartialWrite are not errors: the student's presence is durable in both
// cases.
type Outcome string

const (
	OutcomeRecorded        Outcome = "recorded"
	OutcomeAlreadyRecorded Outcome = "already_recorded"
	OutcomePartialWrite    Outcome = "partial_write"
)

// Result is what a record attempt produced.
type Result struct {
	Outcome      Outcome `json:"outcome"`
	Record       Record  `json:"record"`
	PresentCount int     `json:"present_count"`
}

// ReconcileRequest asks the worker to rebuild a session's aggregate from the
// durable records. Attempts counts failed deliveries so a session whose store
// keeps erroring is eventually dropped instead of cycling forever.
type ReconcileRequest struct {
	SessionID string `json:"session_id"`
	Attempts  int    `json:"attempts,omitempty"`
}

const maxReconcileAttempts = 5

// RecordStore is the durable persistence the recorder writes through.
// *Repository implements it; tests substitute a fake.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) (bool, error)
	Get(ctx context.Context, sessionID, studentID string) (*Record, error)
	StudentIDs(ctx context.Context, sessionID string) ([]string, error)
}

// Recorder performs the at-most-once attendance write for a validator-accepted
// scan and keeps the session's aggregate in step. It does not re-validate
// rotation or expiry; that decision belongs to the validator.
type Recorder struct {
	repo     RecordStore
	sessions session.Store
	q        queue.Queue
	grace    time.Duration
	clock    session.Clock
	log      zerolog.Logger

	// Base delay between a failed reconcile and its requeue.
	retryDelay time.Duration
}

// NewRecorder wires the recorder. grace is the window after session creation
// within which a record is "present" rather than "late".
func NewRecorder(repo RecordStore, sessions session.Store, q queue.Queue, grace time.Duration, clock session.Clock, log zerolog.Logger) *Recorder {
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &Recorder{repo: repo, sessions: sessions, q: q, grace: grace, clock: clock, log: log, retryDelay: time.Second}
}

// Record writes the student's presence exactly once. The conditional insert
// is the uniqueness gate; the aggregate update follows, and if it fails the
// record still stands and a reconcile message makes the aggregate eventually
// consistent.
func (r *Recorder) Record(ctx context.Context, s *session.Session, studentID string, rotation int, photoURL string) (Result, error) {
	now := r.clock.Now()
	status := StatusPresent
	if now.After(s.CreatedAt.Add(r.grace)) {
		status = StatusLate
	}

	rec := Record{
		SessionID:  s.ID,
		StudentID:  studentID,
		RecordedAt: now.UTC(),
		Rotation:   rotation,
		PhotoURL:   photoURL,
		Status:     status,
	}

	inserted, err := r.repo.Insert(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		existing, err := r.repo.Get(ctx, s.ID, studentID)
		if err != nil {
			return Result{}, err
		}
		if existing != nil {
			rec = *existing
		}
		return Result{Outcome: OutcomeAlreadyRecorded, Record: rec, PresentCount: s.PresentCount}, nil
	}

	metrics.RecordsTotal.WithLabelValues(status).Inc()

	count, err := r.sessions.AddPresent(ctx, s.ID, studentID)
	if err != nil {
		metrics.PartialWrites.Inc()
		r.log.Error().Err(err).Str("session_id", s.ID).Str("student_id", studentID).
			Msg("aggregate update failed after record write, queueing reconcile")
		r.enqueueReconcile(ctx, s.ID)
		return Result{Outcome: OutcomePartialWrite, Record: rec}, nil
	}

	r.log.Info().Str("session_id", s.ID).Str("student_id", studentID).
		Str("status", status).Int("present_count", count).Msg("attendance recorded")
	return Result{Outcome: OutcomeRecorded, Record: rec, PresentCount: count}, nil
}

// Reconcile rebuilds a session's present set and count from the durable
// records. Used by the worker after a partial write.
func (r *Recorder) Reconcile(ctx context.Context, sessionID string) error {
	students, err := r.repo.StudentIDs(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := r.sessions.ReplacePresent(ctx, sessionID, students); err != nil {
		return err
	}
	metrics.ReconcilesTotal.Inc()
	r.log.Info().Str("session_id", sessionID).Int("present_count", len(students)).
		Msg("session aggregate reconciled")
	return nil
}

// HandleReconcile processes one reconcile message from the queue. A failed
// rebuild is requeued with a backoff so a down store is not hammered by an
// immediate publish/consume cycle, and abandoned once the attempt cap is hit.
func (r *Recorder) HandleReconcile(ctx context.Context, msg queue.Message) {
	var req ReconcileRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil || req.SessionID == "" {
		r.log.Warn().Msg("dropping malformed reconcile message")
		return
	}

	err := r.Reconcile(ctx, req.SessionID)
	if err == nil {
		return
	}

	req.Attempts++
	if req.Attempts >= maxReconcileAttempts {
		r.log.Error().Err(err).Str("session_id", req.SessionID).Int("attempts", req.Attempts).
			Msg("reconcile abandoned after repeated failures")
		return
	}
	r.log.Error().Err(err).Str("session_id", req.SessionID).Int("attempts", req.Attempts).
		Msg("reconcile failed, requeueing")

	select {
	case <-time.After(time.Duration(req.Attempts) * r.retryDelay):
	case <-ctx.Done():
		return
	}
	body, merr := json.Marshal(req)
	if merr != nil {
		return
	}
	if perr := r.q.Publish(ctx, queue.Message{Type: "reconcile", Body: body}); perr != nil {
		r.log.Error().Err(perr).Str("session_id", req.SessionID).Msg("reconcile requeue failed")
	}
}

func (r *Recorder) enqueueReconcile(ctx context.Context, sessionID string) {
	body, err := json.Marshal(ReconcileRequest{SessionID: sessionID})
	if err != nil {
		return
	}
	if err := r.q.Publish(ctx, queue.Message{Type: "reconcile", Body: body}); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("reconcile enqueue failed")
	}
}
