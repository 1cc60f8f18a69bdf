package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/flipwire/flipwire/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type ratelimitStore struct {
	client *redis.Client
}

// Admit runs the sliding-window script for one key. The script purges
// entries older than the trailing window, rejects when the surviving count
// has reached max, and otherwise inserts a new entry and refreshes the
// key's TTL to window + 1s.
func (s *ratelimitStore) Admit(ctx context.Context, key string, max int, window time.Duration) (storage.Admission, error) {
	script := redis.NewScript(admitScript)

	now := time.Now().UnixMilli()
	nonce := fmt.Sprintf("%d-%s", now, uuid.NewString())

	result, err := script.Run(ctx, s.client, []string{ratelimitPrefix + key},
		now, window.Milliseconds(), max, nonce).Int64Slice()
	if err != nil {
		return storage.Admission{}, fmt.Errorf("admit %s: %w", key, err)
	}
	if len(result) != 3 {
		return storage.Admission{}, fmt.Errorf("admit %s: unexpected script result %v", key, result)
	}

	admission := storage.Admission{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
	}
	if !admission.Allowed {
		// Round up so clients never retry a hair too early.
		retry := time.Duration(result[2]) * time.Millisecond
		admission.RetryAfter = retry.Round(time.Second)
		if admission.RetryAfter < retry {
			admission.RetryAfter += time.Second
		}
		if admission.RetryAfter <= 0 {
			admission.RetryAfter = time.Second
		}
	}

	return admission, nil
}
