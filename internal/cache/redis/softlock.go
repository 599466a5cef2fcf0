package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openfolio/posengine/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's
// unique token, so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// SoftLocker implements domain.SoftLocker using Redis SETNX with a TTL
// and a Lua-based conditional unlock. Soft locks are advisory markers
// that keep cooperating scanners from re-enqueuing a position already in
// flight; failing to acquire one is routine and the caller skips the
// cycle.
type SoftLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewSoftLocker creates a SoftLocker backed by the given Client.
func NewSoftLocker(c *Client) *SoftLocker {
	return &SoftLocker{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func softLockKey(entityID, purpose string) string {
	return key("softlock", entityID, purpose)
}

// TryLock attempts to set the (entityID, purpose) marker with the given
// TTL. On success it returns a release function that is safe to call
// multiple times. It returns domain.ErrLockHeld when the marker is
// already set.
func (sl *SoftLocker) TryLock(ctx context.Context, entityID, purpose string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	key := softLockKey(entityID, purpose)

	ok, err := sl.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: soft lock %s/%s: %w", entityID, purpose, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// Use a background context so release succeeds even if the
		// caller's context is already cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = sl.unlockSc.Run(relCtx, sl.rdb, []string{key}, token).Err()
	}

	return release, nil
}

// Compile-time interface check.
var _ domain.SoftLocker = (*SoftLocker)(nil)
