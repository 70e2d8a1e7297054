package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// contentionMarker is the message fragment the Retrier treats as transient.
const contentionMarker = "is currently being processed"

// ErrPathBusy marks a path lock held by someone else.
var ErrPathBusy = errors.New("path " + contentionMarker)

type pathBusyError struct {
	path string
}

func (e *pathBusyError) Error() string {
	return fmt.Sprintf("%s %s", e.path, contentionMarker)
}

func (e *pathBusyError) Is(target error) bool {
	return target == ErrPathBusy
}

// PathLocker is an advisory lock table keyed by canonical path. Nothing on
// disk enforces it; every move, rename or unlink of a shared path acquires
// first.
type PathLocker interface {
	TryAcquire(ctx context.Context, path string) (bool, error)
	Release(ctx context.Context, path string) error
}

// MemoryLocker is an in-process PathLocker. It gives no exclusion across
// processes sharing a storage root.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[path]; ok {
		return false, nil
	}
	m.held[path] = struct{}{}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.held, path)
	m.mu.Unlock()
	return nil
}

// Held reports whether path is currently locked.
func (m *MemoryLocker) Held(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[path]
	return ok
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DelIfValue(ctx context.Context, key string, value string) (bool, error)
	PathLockKey(path string) string
}

// RedisLocker shares the lock table between processes through SETNX keys
// that expire after ttl. Release only deletes keys this locker still owns.
type RedisLocker struct {
	client lockStore
	ttl    time.Duration

	mu     sync.Mutex
	owners map[string]string
}

func NewRedisLocker(client lockStore, ttl time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client required for path locks")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, owners: make(map[string]string)}, nil
}

func (r *RedisLocker) TryAcquire(ctx context.Context, path string) (bool, error) {
	owner := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.client.PathLockKey(path), owner, r.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx path lock: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.owners[path] = owner
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *RedisLocker) Release(ctx context.Context, path string) error {
	r.mu.Lock()
	owner, ok := r.owners[path]
	delete(r.owners, path)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := r.client.DelIfValue(ctx, r.client.PathLockKey(path), owner); err != nil {
		return fmt.Errorf("release path lock: %w", err)
	}
	return nil
}

// canonicalPath is the lock key for a filesystem path.
func canonicalPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func hashLockKey(hash string) string {
	return "hash:" + hash
}

// nameLockKey guards a file stem within a shard.
func nameLockKey(hash, base string) string {
	return "name:" + shardOf(hash) + "/" + base
}

// withPathLock runs fn while holding key. The lock is released on every exit
// path, panics included; a contended key yields a pathBusyError.
func withPathLock(ctx context.Context, locker PathLocker, key string, fn func() error) (err error) {
	ok, err := locker.TryAcquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return &pathBusyError{path: key}
	}
	defer func() {
		if relErr := locker.Release(context.WithoutCancel(ctx), key); relErr != nil {
			err = multierr.Append(err, relErr)
		}
	}()
	return fn()
}
