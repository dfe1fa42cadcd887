package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// loadFunc builds a ready session for id.
type loadFunc func(ctx context.Context, id string) (*Session, error)

// Registry maps conversation ids to loaded sessions.
//
// Loaded sessions live in a bounded ristretto cache; an evicted session is
// simply reloaded from storage on its next use, since every committed turn
// is persisted. Independently of the cache, a per-id lock serializes all
// work on one conversation, including the load itself, so two sessions for
// the same id never exist at once.
type Registry struct {
	cache  *ristretto.Cache
	load   loadFunc
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewRegistry creates a registry holding up to maxSessions sessions.
func NewRegistry(maxSessions int64, load loadFunc, logger *slog.Logger) (*Registry, error) {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		load:   load,
		logger: logger,
		locks:  make(map[string]*keyLock),
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxSessions * 10,
		MaxCost:     maxSessions,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item) {
			if s, ok := item.Value.(*Session); ok {
				r.logger.Debug("engine: session left cache", "conversation_id", s.ID())
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create session cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Acquire returns the session for id with exclusive use until release is
// called. It waits for other holders of the same id, honouring ctx.
func (r *Registry) Acquire(ctx context.Context, id string) (*Session, func(), error) {
	unlock, err := r.lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if v, ok := r.cache.Get(id); ok {
		if s, ok := v.(*Session); ok && s.ID() == id && s.State() == StateLoaded {
			return s, unlock, nil
		}
		r.cache.Del(id)
	}

	s, err := r.load(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	r.cache.Set(id, s, 1)
	r.cache.Wait()
	return s, unlock, nil
}

// Evict drops the cached session for id. Callers must hold the id's lock or
// accept that a concurrent holder keeps using its copy until release.
func (r *Registry) Evict(id string) {
	r.cache.Del(id)
}

// Close stops the cache.
func (r *Registry) Close() {
	r.cache.Close()
}

// lock takes the per-id lock.
func (r *Registry) lock(ctx context.Context, id string) (func(), error) {
	r.mu.Lock()
	kl, ok := r.locks[id]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		r.locks[id] = kl
	}
	kl.refs++
	r.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		r.unref(id, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			r.unref(id, kl)
		})
	}, nil
}

func (r *Registry) unref(id string, kl *keyLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(r.locks, id)
	}
}

// held reports how many callers hold or wait for id.
func (r *Registry) held(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kl, ok := r.locks[id]; ok {
		return kl.refs
	}
	return 0
}
