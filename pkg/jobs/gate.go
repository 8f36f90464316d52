package jobs

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jobledger/core/pkg/logger"
)

// GroupRegistry serializes firings of jobs that share an exclusive group.
// Each exclusive group owns a binary semaphore, created lazily on first use
// and kept for the registry's lifetime; there is no per-group teardown. Jobs
// in groups not marked exclusive pass through without touching a semaphore.
//
// The registry is owned by the pipeline that created it and is never shared
// across processes: exclusivity is per instance.
type GroupRegistry struct {
	mu         sync.Mutex
	semaphores map[string]*semaphore.Weighted
	exclusive  map[string]bool
	log        *logger.Logger
}

// NewGroupRegistry creates a registry that treats the named groups as
// exclusive.
func NewGroupRegistry(exclusiveGroups []string) *GroupRegistry {
	exclusive := make(map[string]bool, len(exclusiveGroups))
	for _, group := range exclusiveGroups {
		if group != "" {
			exclusive[group] = true
		}
	}
	return &GroupRegistry{
		semaphores: make(map[string]*semaphore.Weighted),
		exclusive:  exclusive,
		log:        logger.New("group-gate"),
	}
}

// Exclusive reports whether firings in the group are serialized.
func (r *GroupRegistry) Exclusive(group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exclusive[group]
}

func (r *GroupRegistry) semaphoreFor(group string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()

	sem, ok := r.semaphores[group]
	if !ok {
		sem = semaphore.NewWeighted(1)
		r.semaphores[group] = sem
	}
	return sem
}

// Enter claims the group's slot, blocking while another firing of the same
// group holds it. Cancellation while waiting returns ctx.Err() with nothing
// held. For non-exclusive groups Enter returns an empty guard immediately.
func (r *GroupRegistry) Enter(ctx context.Context, group string) (*GroupGuard, error) {
	if !r.Exclusive(group) {
		return &GroupGuard{}, nil
	}

	sem := r.semaphoreFor(group)
	if err := sem.Acquire(ctx, 1); err != nil {
		r.log.Debug().
			Str("job_group", group).
			Str("action", "group_wait_cancelled").
			Err(err).
			Msg("Cancelled while waiting for exclusive group slot")
		return nil, err
	}
	return &GroupGuard{sem: sem, held: true}, nil
}

// GroupGuard tracks one firing's hold on its group slot. The zero guard holds
// nothing and releases nothing, which is what non-exclusive groups get.
type GroupGuard struct {
	sem  *semaphore.Weighted
	mu   sync.Mutex
	held bool
}

// Release frees the group slot. Safe to call more than once; only the first
// call after a real acquisition releases.
func (g *GroupGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		return
	}
	g.held = false
	g.sem.Release(1)
}

// Held reports whether the guard still holds its group slot.
func (g *GroupGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
