package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tus_upload:"

// RedisStore keeps sessions as Redis hashes with a sliding expiry. Offset
// updates use WATCH/MULTI so concurrent appends for one id are serialized by
// Redis rather than by this process.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func sessionKey(id string) string {
	return keyPrefix + id
}

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	key := sessionKey(s.ID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}

		// runs only if the watched key remains unchanged
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, toHash(s))
			pipe.PExpire(ctx, key, r.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrExists
	}
	if err != nil && !errors.Is(err, ErrExists) {
		return fmt.Errorf("failed to create session %s: %w", s.ID, err)
	}
	return err
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return get(ctx, r.client, id)
}

func (r *RedisStore) AppendOffset(ctx context.Context, id string, expected, amount int64) (int64, error) {
	key := sessionKey(id)
	var offset int64

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		s, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		offset = s.Offset
		if s.Offset != expected {
			return ErrConflict
		}
		if amount < 0 || s.Offset+amount > s.Length {
			return ErrOverflow
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, "offset", amount)
			pipe.HSet(ctx, key, "last_activity", formatTime(r.now()))
			pipe.PExpire(ctx, key, r.ttl)
			return nil
		})
		if err == nil {
			offset += amount
		}
		return err
	}, key)

	switch {
	case err == nil:
		return offset, nil
	case errors.Is(err, redis.TxFailedErr):
		// Another writer won the race; report where it left the offset.
		s, gerr := r.Get(ctx, id)
		if gerr != nil {
			return 0, gerr
		}
		return s.Offset, ErrConflict
	case errors.Is(err, ErrConflict), errors.Is(err, ErrOverflow):
		return offset, err
	case errors.Is(err, ErrNotFound):
		return 0, err
	default:
		return 0, fmt.Errorf("failed to advance offset for %s: %w", id, err)
	}
}

func (r *RedisStore) MarkFinalizing(ctx context.Context, id, storedName string) (*Session, error) {
	key := sessionKey(id)
	var result *Session

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		s, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !s.Complete() {
			return ErrIncomplete
		}
		if s.StoredName != "" {
			result = s
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "stored_name", storedName)
			return nil
		})
		if err == nil {
			s.StoredName = storedName
			result = s
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Lost a race with another finalizer; whatever it stored wins.
		return r.MarkFinalizing(ctx, id, storedName)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIncomplete) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to mark session %s finalizing: %w", id, err)
	}
	return result, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func get(ctx context.Context, cmdable redis.Cmdable, id string) (*Session, error) {
	h, err := cmdable.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(id, h)
}

func toHash(s *Session) map[string]any {
	return map[string]any{
		"transfer_id":   s.TransferID,
		"identity":      s.Identity,
		"length":        s.Length,
		"offset":        s.Offset,
		"temp_path":     s.TempPath,
		"filename":      s.Filename,
		"mime_type":     s.MimeType,
		"stored_name":   s.StoredName,
		"created_at":    formatTime(s.CreatedAt),
		"last_activity": formatTime(s.LastActivity),
	}
}

func fromHash(id string, h map[string]string) (*Session, error) {
	length, err := strconv.ParseInt(h["length"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session %s has invalid length: %w", id, err)
	}
	offset, err := strconv.ParseInt(h["offset"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session %s has invalid offset: %w", id, err)
	}

	return &Session{
		ID:           id,
		TransferID:   h["transfer_id"],
		Identity:     h["identity"],
		Length:       length,
		Offset:       offset,
		TempPath:     h["temp_path"],
		Filename:     h["filename"],
		MimeType:     h["mime_type"],
		StoredName:   h["stored_name"],
		CreatedAt:    parseTime(h["created_at"]),
		LastActivity: parseTime(h["last_activity"]),
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
