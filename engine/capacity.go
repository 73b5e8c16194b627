package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/rmap"

	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/store"
)

// countMaxAge is how long a cached plan task count stays trustworthy.
const countMaxAge = 5 * time.Minute

type (
	// planCount is the cached verdict for one plan.
	planCount struct {
		N  int   `json:"n"`
		At int64 `json:"at"` // unix seconds
	}

	// capacityGuard keeps per-plan task counts so creates against a full
	// plan fail fast instead of burning a planner call on a guaranteed 403.
	// Counts live in a replicated map when one is provided, so a cap
	// observed by any node is honored by all; otherwise they are process
	// local.
	capacityGuard struct {
		counts  *rmap.Map
		max     int
		refresh func(ctx context.Context, planID string) (int, error)

		mu    sync.Mutex
		local map[string]planCount
	}
)

func newCapacityGuard(counts *rmap.Map, max int, refresh func(ctx context.Context, planID string) (int, error)) *capacityGuard {
	return &capacityGuard{
		counts:  counts,
		max:     max,
		refresh: refresh,
		local:   make(map[string]planCount),
	}
}

// canCreate reports whether the plan has headroom for one more task,
// refreshing the count when the cache is stale.
func (g *capacityGuard) canCreate(ctx context.Context, planID string) (bool, error) {
	pc, ok := g.get(planID)
	if !ok || time.Since(time.Unix(pc.At, 0)) > countMaxAge {
		n, err := g.refresh(ctx, planID)
		if err != nil {
			if ok {
				// Stale beats nothing when the refresh fails.
				return pc.N < g.max, nil
			}
			return false, fmt.Errorf("refresh count for plan %s: %w", planID, err)
		}
		pc = planCount{N: n, At: time.Now().Unix()}
		g.set(ctx, planID, pc)
	}
	return pc.N < g.max, nil
}

// recordCreate bumps the cached count after a successful create.
func (g *capacityGuard) recordCreate(ctx context.Context, planID string) {
	pc, ok := g.get(planID)
	if !ok {
		return
	}
	pc.N++
	g.set(ctx, planID, pc)
}

// exhaust pins the plan at capacity after the planner rejected a create
// with the task cap code. The pin ages out with the cache.
func (g *capacityGuard) exhaust(ctx context.Context, planID string) {
	g.set(ctx, planID, planCount{N: g.max, At: time.Now().Unix()})
}

func (g *capacityGuard) get(planID string) (planCount, bool) {
	if g.counts != nil {
		raw, ok := g.counts.Get(planID)
		if !ok {
			return planCount{}, false
		}
		var pc planCount
		if err := json.Unmarshal([]byte(raw), &pc); err != nil {
			return planCount{}, false
		}
		return pc, true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	pc, ok := g.local[planID]
	return pc, ok
}

func (g *capacityGuard) set(ctx context.Context, planID string, pc planCount) {
	if g.counts != nil {
		if raw, err := json.Marshal(pc); err == nil {
			_, _ = g.counts.Set(ctx, planID, string(raw))
		}
		return
	}
	g.mu.Lock()
	g.local[planID] = pc
	g.mu.Unlock()
}

// pickPlan chooses the create target: the default plan when it is accessible
// and has headroom, otherwise the first discovered plan that does. When no
// plan qualifies the create fails with the capacity error so it dead-letters
// rather than retries.
func (e *Engine) pickPlan(ctx context.Context) (string, error) {
	if e.cfg.DefaultPlanID != "" {
		ok, err := e.planUsable(ctx, e.cfg.DefaultPlanID)
		if err != nil {
			return "", err
		}
		if ok {
			return e.cfg.DefaultPlanID, nil
		}
	}
	plans, err := e.discoverPlans(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range plans {
		if p.ID == e.cfg.DefaultPlanID {
			continue
		}
		ok, err := e.planUsable(ctx, p.ID)
		if err != nil {
			e.log.Warn(ctx, "plan usability check failed", "plan", p.ID, "err", err.Error())
			continue
		}
		if ok {
			return p.ID, nil
		}
	}
	return "", &planner.Error{Status: 403, Code: planner.CodeCapacity, Message: "no plan with capacity"}
}

// planUsable combines the inaccessibility memo with the capacity guard.
func (e *Engine) planUsable(ctx context.Context, planID string) (bool, error) {
	inaccessible, err := e.store.SIsMember(ctx, e.store.InaccessiblePlansKey(), planID)
	if err != nil {
		return false, err
	}
	if inaccessible {
		return false, nil
	}
	return e.guard.canCreate(ctx, planID)
}

// discoverPlans lists plans through the short-lived discovery cache.
func (e *Engine) discoverPlans(ctx context.Context) ([]planner.Plan, error) {
	var plans []planner.Plan
	ok, err := e.store.GetJSON(ctx, e.store.PlansIndexKey(), &plans)
	if err == nil && ok {
		return plans, nil
	}
	plans, err = e.api.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if err := e.store.SetJSON(ctx, e.store.PlansIndexKey(), plans, store.DiscoveryTTL); err != nil {
		e.log.Warn(ctx, "plan index cache write failed", "err", err.Error())
	}
	return plans, nil
}

// markInaccessible memoizes a 403 on a plan for the configured TTL so the
// engine stops hammering plans it cannot read.
func (e *Engine) markInaccessible(ctx context.Context, planID string) {
	if err := e.store.SAdd(ctx, e.store.InaccessiblePlansKey(), store.InaccessibleTTL, planID); err != nil {
		e.log.Warn(ctx, "inaccessible memo failed", "plan", planID, "err", err.Error())
	}
}
