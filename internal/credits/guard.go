package credits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	bonusLockPrefix = "credits:bonus-lock:"
	defaultLockTTL  = 30 * time.Second
)

// BonusGuard serialises initial-bonus grants per user. Acquire fails with
// ErrBonusInProgress instead of waiting.
type BonusGuard interface {
	Acquire(ctx context.Context, userID int64) (release func(), err error)
}

// releaseScript deletes the lock only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBonusGuard holds a SETNX lock per user so grants are serialised
// across every API instance sharing the Redis.
type RedisBonusGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBonusGuard builds a guard whose locks expire after ttl.
func NewRedisBonusGuard(client *redis.Client, ttl time.Duration) *RedisBonusGuard {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisBonusGuard{client: client, ttl: ttl}
}

func (g *RedisBonusGuard) Acquire(ctx context.Context, userID int64) (func(), error) {
	key := fmt.Sprintf("%s%d", bonusLockPrefix, userID)
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire bonus lock: %w", err)
	}
	if !ok {
		return nil, ErrBonusInProgress
	}
	return func() {
		// Use a fresh context so a cancelled request still frees the lock.
		releaseScript.Run(context.Background(), g.client, []string{key}, token) // nolint:errcheck
	}, nil
}

// LocalBonusGuard is the single-process guard used without Redis.
type LocalBonusGuard struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewLocalBonusGuard builds an empty in-process guard.
func NewLocalBonusGuard() *LocalBonusGuard {
	return &LocalBonusGuard{held: make(map[int64]struct{})}
}

func (g *LocalBonusGuard) Acquire(_ context.Context, userID int64) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[userID]; busy {
		return nil, ErrBonusInProgress
	}
	g.held[userID] = struct{}{}
	return func() {
		g.mu.Lock()
		delete(g.held, userID)
		g.mu.Unlock()
	}, nil
}
