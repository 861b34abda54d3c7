package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// singleflightQueryKey is the constant key every tick() call collapses
// onto: at most one QueryKeys job is ever in flight (Testable
// Property 5), so there is never a need for more than one singleflight
// bucket.
const singleflightQueryKey = "query"

// KeyQueryCoordinator batches DeviceRegistry.MarkOutdated/TrackIfNeeded
// targets into a single in-flight /keys/query job, coalescing any users
// that go outdated while that job is running into exactly one
// follow-up job (spec.md §4.6, Testable Property 5, scenario S6).
type KeyQueryCoordinator struct {
	registry  *DeviceRegistry
	transport Transport
	log       *slog.Logger

	mu                       sync.Mutex
	pending                  map[string]struct{}
	encryptionUpdateRequired bool

	sfg *singleflight.Group
}

func NewKeyQueryCoordinator(registry *DeviceRegistry, transport Transport, log *slog.Logger) *KeyQueryCoordinator {
	return &KeyQueryCoordinator{
		registry:  registry,
		transport: transport,
		log:       log,
		pending:   make(map[string]struct{}),
		sfg:       &singleflight.Group{},
	}
}

// ScheduleUpdate unions users into the pending set; they are picked up
// by the next tick, or by the follow-up job if a query is already in
// flight.
func (c *KeyQueryCoordinator) ScheduleUpdate(users []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		c.pending[u] = struct{}{}
	}
}

// requireEncryptionUpdate marks that state changed while a query was in
// flight, so onResponse re-ticks once the current job completes even if
// nothing newly outdated was scheduled in the interim.
func (c *KeyQueryCoordinator) requireEncryptionUpdate() {
	c.mu.Lock()
	c.encryptionUpdateRequired = true
	c.mu.Unlock()
}

// Tick issues a /keys/query for outdatedUsers ∪ pending if that union is
// non-empty and no query is currently in flight; concurrent calls
// collapse onto the one in-flight job via singleflight. If state changes
// while that job is running, onResponse signals a retick and the loop
// below issues exactly one follow-up job once sfg.Do has returned —
// never from inside the closure itself, since the stdlib singleflight
// group only releases waiters on the same key after fn returns, and a
// reentrant Do on that key would deadlock against its own in-flight call.
// The follow-up job re-queries the same union (plus anything newly
// scheduled in the meantime) even if nothing new went outdated, since
// requireEncryptionUpdate's contract is to retick on the job just
// completed, not on whatever happens to be pending afterward.
func (c *KeyQueryCoordinator) Tick(ctx context.Context) error {
	union := c.snapshotAndClearPending()
	if len(union) == 0 {
		return nil
	}

	for {
		v, err, _ := c.sfg.Do(singleflightQueryKey, func() (any, error) {
			result, err := c.transport.QueryKeys(ctx, union)
			if err != nil {
				return nil, &ErrTransient{Cause: fmt.Errorf("query keys for %v: %w", union, err)}
			}
			retick, err := c.onResponse(result)
			if err != nil {
				return nil, err
			}
			return retick, nil
		})
		if err != nil {
			return err
		}
		if retick, _ := v.(bool); !retick {
			return nil
		}
		union = mergeUsers(union, c.snapshotAndClearPending())
	}
}

func mergeUsers(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, u := range a {
		set[u] = struct{}{}
	}
	for _, u := range b {
		set[u] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}

func (c *KeyQueryCoordinator) snapshotAndClearPending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	union := make(map[string]struct{}, len(c.pending))
	for u := range c.pending {
		union[u] = struct{}{}
	}
	for _, u := range c.registry.OutdatedSnapshot() {
		union[u] = struct{}{}
	}
	c.pending = make(map[string]struct{})

	out := make([]string, 0, len(union))
	for u := range union {
		out = append(out, u)
	}
	return out
}

// onResponse folds the query result into DeviceRegistry and reports
// whether requireEncryptionUpdate fired or users were scheduled while
// this job ran, leaving the follow-up Tick to its caller rather than
// issuing it itself.
func (c *KeyQueryCoordinator) onResponse(result QueryKeysResult) (retick bool, err error) {
	for userID, devices := range result.DeviceKeys {
		rekeys, err := c.registry.MergeQueryResult(userID, devices)
		if err != nil {
			return false, fmt.Errorf("merge query result for %s: %w", userID, err)
		}
		for _, rk := range rekeys {
			c.log.Warn("device re-keyed during key query", "user", rk.UserID, "device", rk.DeviceID)
		}
	}

	c.mu.Lock()
	retick = c.encryptionUpdateRequired || len(c.pending) > 0
	c.encryptionUpdateRequired = false
	c.mu.Unlock()

	return retick, nil
}
