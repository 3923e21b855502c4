package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

// NewClientFromURL creates a single-node Redis client from a URL.
func NewClientFromURL(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultDialTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Lease is a best-effort distributed lock used to elect a single runner for
// periodic jobs (event-log cleanup). It is advisory: correctness does not
// depend on it because the guarded work is idempotent.
type Lease struct {
	client goredis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// NewLease creates a lease on key with the given ttl. token identifies this
// process (typically a uuid).
func NewLease(client goredis.UniversalClient, key, token string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, token: token, ttl: ttl}
}

// Acquire tries to take or refresh the lease. Returns true when this process
// holds it. A nil client always acquires (single-process mode).
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	// Refresh if we already hold it.
	holder, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if err == goredis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("read lease %s: %w", l.key, err)
	}
	if holder != l.token {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("refresh lease %s: %w", l.key, err)
	}
	return true, nil
}

// Release drops the lease if this process holds it.
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.client == nil {
		return
	}
	holder, err := l.client.Get(ctx, l.key).Result()
	if err != nil || holder != l.token {
		return
	}
	_ = l.client.Del(ctx, l.key).Err()
}
