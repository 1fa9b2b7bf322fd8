/*
Package locking serializes work on one loan across server instances.

PURPOSE:
  The stores already lock a loan inside a transaction, but a loan submit or
  cancel also talks to the stock subsystem outside that transaction. When
  several server instances share one database, a Redis lock keyed by the
  loan keeps those multi-step operations from interleaving.

IMPLEMENTATIONS:
  Noop:  single instance; the store's own locking is enough
  Redis: github.com/bsm/redislock on top of go-redis

  A lock that cannot be obtained within the retry limit is reported as
  loan.ErrLoanBusy so callers (and the API) can tell the client to retry.

SEE ALSO:
  - service/service.go: takes the lock around every loan-scoped operation
*/
package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/nbs/loanledger/loan"
	"github.com/redis/go-redis/v9"
)

// Release gives a lock back.
type Release func(ctx context.Context) error

// Locker hands out exclusive locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// LoanKey is the lock key of a loan.
func LoanKey(loanID string) string {
	return "loan:" + loanID
}

// =============================================================================
// NOOP
// =============================================================================

// Noop grants every lock immediately.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// =============================================================================
// REDIS
// =============================================================================

const (
	defaultTTL     = 30 * time.Second
	defaultBackoff = 100 * time.Millisecond
	defaultRetries = 50
)

// Redis is a Locker backed by a Redis instance.
type Redis struct {
	client *redis.Client
	locker *redislock.Client
	ttl    time.Duration
	opts   *redislock.Options
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 20,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Redis{
		client: rdb,
		locker: redislock.New(rdb),
		ttl:    defaultTTL,
		opts: &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(defaultBackoff), defaultRetries),
		},
	}, nil
}

// WithRetry changes how long Acquire waits for a held lock.
func (r *Redis) WithRetry(backoff time.Duration, retries int) *Redis {
	r.opts = &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(backoff), retries),
	}
	return r
}

// Acquire obtains key, waiting according to the retry strategy.
func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	lock, err := r.locker.Obtain(ctx, key, r.ttl, r.opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", loan.ErrLoanBusy, key)
	}
	if err != nil {
		return nil, loan.Operational("obtain lock "+key, err)
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
