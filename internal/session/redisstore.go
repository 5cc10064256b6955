package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"qrattend/internal/token"
)

// RedisStore keeps each session as a hash plus a companion set of present
// students and a per-owner set of active session ids. Every call carries its
// own deadline; updates retry a bounded number of times so a rotation tick is
// never left waiting on a slow store.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	retries int
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, timeout time.Duration, retries int) *RedisStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if retries < 1 {
		retries = 1
	}
	return &RedisStore{client: client, timeout: timeout, retries: retries}
}

func sessionKey(id string) string { return "session:" + id }
func presentKey(id string) string { return "session:" + id + ":present" }
func activeKey(owner string) string { return "active:" + owner }

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fields := map[string]any{
		"id":              s.ID,
		"faculty_id":      s.FacultyID,
		"school":          s.Class.School,
		"batch":           s.Class.Batch,
		"subject":         s.Class.Subject,
		"periods":         s.Class.Periods,
		"created_at":      s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":      s.ExpiresAt.UTC().Format(time.RFC3339Nano),
		FieldStatus:       string(s.Status),
		FieldRotation:     s.Rotation,
		FieldNonce:        s.Nonce,
		FieldChecksum:     s.Checksum,
		FieldPayload:      s.Payload,
		FieldPresentCount: s.PresentCount,
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(s.ID), fields)
	pipe.SAdd(ctx, activeKey(s.FacultyID), s.ID)
	// Let stale documents clean themselves up well after expiry; the protocol
	// never reads them again once expired.
	cleanup := s.ExpiresAt.Add(24 * time.Hour)
	pipe.ExpireAt(ctx, sessionKey(s.ID), cleanup)
	pipe.ExpireAt(ctx, presentKey(s.ID), cleanup)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromHash(data)
}

func (r *RedisStore) Update(ctx context.Context, id string, fields map[string]any) error {
	var lastErr error
	delay := 50 * time.Millisecond
	for attempt := 0; attempt < r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		lastErr = r.updateOnce(ctx, id, fields)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redis update session after %d attempts: %w", r.retries, lastErr)
}

func (r *RedisStore) updateOnce(ctx context.Context, id string, fields map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.HSet(ctx, sessionKey(id), fields).Err(); err != nil {
		return err
	}
	// An expired session leaves its owner's active set so listings stay clean.
	if status, ok := fields[FieldStatus]; ok && status == string(StatusExpired) {
		owner, err := r.client.HGet(ctx, sessionKey(id), "faculty_id").Result()
		if err == nil && owner != "" {
			_ = r.client.SRem(ctx, activeKey(owner), id).Err()
		}
	}
	return nil
}

func (r *RedisStore) ListActive(ctx context.Context, ownerID string) ([]*Session, error) {
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ids, err := r.client.SMembers(lctx, activeKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list active: %w", err)
	}

	now := time.Now()
	var out []*Session
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				_ = r.client.SRem(ctx, activeKey(ownerID), id).Err()
				continue
			}
			return nil, err
		}
		if s.ExpiredAt(now) {
			_ = r.client.SRem(ctx, activeKey(ownerID), id).Err()
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// addPresentScript performs set-add, cardinality read, and count write as one
// atomic unit. A pipeline is not enough here: with the HSET issued separately,
// two concurrent submits can interleave so the smaller count lands last and
// the stored aggregate never matches the set again.
var addPresentScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
local card = redis.call('SCARD', KEYS[1])
redis.call('HSET', KEYS[2], ARGV[2], card)
return card
`)

func (r *RedisStore) AddPresent(ctx context.Context, id, studentID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	count, err := addPresentScript.Run(ctx, r.client,
		[]string{presentKey(id), sessionKey(id)}, studentID, FieldPresentCount).Int()
	if err != nil {
		return 0, fmt.Errorf("redis add present: %w", err)
	}
	return count, nil
}

func (r *RedisStore) ReplacePresent(ctx context.Context, id string, studentIDs []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, presentKey(id))
	if len(studentIDs) > 0 {
		members := make([]any, len(studentIDs))
		for i, s := range studentIDs {
			members[i] = s
		}
		pipe.SAdd(ctx, presentKey(id), members...)
	}
	pipe.HSet(ctx, sessionKey(id), FieldPresentCount, len(studentIDs))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis replace present: %w", err)
	}
	return nil
}

func (r *RedisStore) PresentSet(ctx context.Context, id string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	members, err := r.client.SMembers(ctx, presentKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis present set: %w", err)
	}
	return members, nil
}

func sessionFromHash(data map[string]string) (*Session, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, data["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	rotation, err := strconv.Atoi(data[FieldRotation])
	if err != nil {
		return nil, fmt.Errorf("parse rotation: %w", err)
	}
	periods, _ := strconv.Atoi(data["periods"])
	count, _ := strconv.Atoi(data[FieldPresentCount])

	return &Session{
		ID:        data["id"],
		FacultyID: data["faculty_id"],
		Class: token.Class{
			School:  data["school"],
			Batch:   data["batch"],
			Subject: data["subject"],
			Periods: periods,
		},
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
		Status:       Status(data[FieldStatus]),
		Rotation:     rotation,
		Nonce:        data[FieldNonce],
		Checksum:     data[FieldChecksum],
		Payload:      data[FieldPayload],
		PresentCount: count,
	}, nil
}
