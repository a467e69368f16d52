// Package lock implements the distributed lease-based mutex used for all
// cross-replica exclusion: scheduled task leadership, per-room serialization,
// recording singletons, and webhook delivery dedupe.
//
// Lock keys live under ov_meet_lock:{name} with a random token value and a
// PX TTL; a companion registry set under ov_meet_lock_registry: tracks active
// lock names so GC jobs can find orphans. Release and extend compare the
// holder token server-side so a replica can never clobber another holder's
// lease.
package lock

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/metrics"
	"github.com/ovmeet/backend/internal/v1/store"
)

const (
	// KeyPrefix prefixes every lock key in the store.
	KeyPrefix = "ov_meet_lock:"
	// RegistryKey is the set of currently-registered lock names.
	RegistryKey = "ov_meet_lock_registry:"
)

// releaseScript deletes the key only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes the lease only when the caller still holds it.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is the handle returned by a successful acquire. The token stays
// private so release and extend always go through the owning service.
type Lock struct {
	Resource string
	TTL      time.Duration
	token    string
}

// Service hands out leases backed by the coordination store.
type Service struct {
	store *store.Service
}

// NewService wires the mutex onto the store facade.
func NewService(st *store.Service) *Service {
	return &Service{store: st}
}

// resourceClass is the metrics label for a lock name: the segment before the
// first colon, so per-room names collapse into one label value.
func resourceClass(resource string) string {
	if i := strings.IndexByte(resource, ':'); i > 0 {
		return resource[:i]
	}
	return resource
}

// Acquire attempts a non-blocking lease on the resource. It returns
// (nil, nil) when another holder has the lock, and an error only when the
// store itself failed; callers must treat an error the same as not acquired.
func (s *Service) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	if resource == "" {
		return nil, apperr.Validation("INVALID_LOCK", "lock resource cannot be empty")
	}
	if ttl <= 0 {
		return nil, apperr.Validation("INVALID_LOCK", "lock ttl must be positive")
	}

	class := resourceClass(resource)
	token := uuid.NewString()

	ok, err := s.store.SetNX(ctx, KeyPrefix+resource, token, ttl)
	if err != nil {
		metrics.LockAcquisitionsTotal.WithLabelValues(class, "error").Inc()
		return nil, err
	}
	if !ok {
		metrics.LockAcquisitionsTotal.WithLabelValues(class, "busy").Inc()
		return nil, nil
	}

	// Registry entry is observability metadata; a failed insert never undoes
	// the lease itself.
	if err := s.store.SAdd(ctx, RegistryKey, resource); err != nil {
		logging.Warn(ctx, "failed to register lock name", zap.String("resource", resource), zap.Error(err))
	}

	metrics.LockAcquisitionsTotal.WithLabelValues(class, "acquired").Inc()
	return &Lock{Resource: resource, TTL: ttl, token: token}, nil
}

// AcquireWithRetry attempts the lease up to maxAttempts times, sleeping
// backoff between attempts. Returns (nil, nil) when every attempt found the
// lock held.
func (s *Service) AcquireWithRetry(ctx context.Context, resource string, ttl time.Duration, maxAttempts int, backoff time.Duration) (*Lock, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.Cancelled(ctx.Err())
			case <-time.After(backoff):
			}
		}

		l, err := s.Acquire(ctx, resource, ttl)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
	}
	return nil, nil
}

// Release ends the lease. It is idempotent and safe to call after the TTL
// already expired or after another holder took over; only a matching token
// deletes the key.
func (s *Service) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}

	res, err := s.store.Eval(ctx, releaseScript, []string{KeyPrefix + l.Resource}, l.token)
	if err != nil {
		return err
	}

	if deleted, _ := res.(int64); deleted == 1 {
		if err := s.store.SRem(ctx, RegistryKey, l.Resource); err != nil {
			logging.Warn(ctx, "failed to deregister lock name", zap.String("resource", l.Resource), zap.Error(err))
		}
	}
	return nil
}

// Extend refreshes the lease TTL. It fails with a conflict when the lease
// was lost (expired or taken over), in which case the caller no longer holds
// the critical section.
func (s *Service) Extend(ctx context.Context, l *Lock, ttl time.Duration) error {
	if l == nil {
		return apperr.Validation("INVALID_LOCK", "cannot extend a nil lock")
	}
	if ttl <= 0 {
		return apperr.Validation("INVALID_LOCK", "lock ttl must be positive")
	}

	res, err := s.store.Eval(ctx, extendScript, []string{KeyPrefix + l.Resource}, l.token, ttl.Milliseconds())
	if err != nil {
		return err
	}
	if extended, _ := res.(int64); extended != 1 {
		return apperr.Conflict("LOCK_LOST", "lease expired or was taken over before extend")
	}

	l.TTL = ttl
	return nil
}

// ForceRelease deletes a lock unconditionally, bypassing the token check.
// Only GC paths that have independently verified the holder is gone (for
// example a recording row in a terminal state) may use this.
func (s *Service) ForceRelease(ctx context.Context, resource string) error {
	if err := s.store.Del(ctx, KeyPrefix+resource); err != nil {
		return err
	}
	if err := s.store.SRem(ctx, RegistryKey, resource); err != nil {
		logging.Warn(ctx, "failed to deregister lock name", zap.String("resource", resource), zap.Error(err))
	}
	return nil
}

// Held reports whether any holder currently has the resource.
func (s *Service) Held(ctx context.Context, resource string) (bool, error) {
	return s.store.Exists(ctx, KeyPrefix+resource)
}

// ActiveLocks returns the registry names whose lock key is still alive,
// pruning registry entries left behind by expired leases.
func (s *Service) ActiveLocks(ctx context.Context) ([]string, error) {
	names, err := s.store.SMembers(ctx, RegistryKey)
	if err != nil {
		return nil, err
	}

	active := make([]string, 0, len(names))
	for _, name := range names {
		exists, err := s.store.Exists(ctx, KeyPrefix+name)
		if err != nil {
			return nil, err
		}
		if exists {
			active = append(active, name)
			continue
		}
		if err := s.store.SRem(ctx, RegistryKey, name); err != nil {
			logging.Warn(ctx, "failed to prune stale registry entry", zap.String("resource", name), zap.Error(err))
		}
	}
	return active, nil
}
