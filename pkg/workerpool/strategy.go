/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workerpool

import (
	"math/rand"
	"sort"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Strategy is the runtime-configurable load balancing policy (spec §4.4).
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyWeighted    Strategy = "weighted"
	StrategyPriority    Strategy = "priority"
)

// eligible filters candidates to paired-and-not-at-capacity workers,
// ordered by worker id for stable tie-breaking downstream.
func eligible(candidates []*orchestratortypes.Worker) []*orchestratortypes.Worker {
	var out []*orchestratortypes.Worker
	for _, w := range candidates {
		if w.Eligible() && !w.AtCapacity() {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// selectRoundRobin cycles through eligible workers starting at cursor,
// returning the selected worker and the next cursor value.
func selectRoundRobin(candidates []*orchestratortypes.Worker, cursor int) (*orchestratortypes.Worker, int) {
	pool := eligible(candidates)
	if len(pool) == 0 {
		return nil, cursor
	}
	idx := cursor % len(pool)
	return pool[idx], idx + 1
}

// selectLeastLoaded picks the worker with the lowest current_load/max ratio;
// ties broken by priority (lower first), then weight (higher first), then
// worker id (stable).
func selectLeastLoaded(candidates []*orchestratortypes.Worker) *orchestratortypes.Worker {
	pool := eligible(candidates)
	if len(pool) == 0 {
		return nil
	}
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		ra, rb := a.LoadRatio(), b.LoadRatio()
		if ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return a.ID < b.ID
	})
	return pool[0]
}

// selectWeighted picks with probability proportional to Weight among
// eligible, capacity-filtered workers.
func selectWeighted(candidates []*orchestratortypes.Worker, rng *rand.Rand) *orchestratortypes.Worker {
	pool := eligible(candidates)
	if len(pool) == 0 {
		return nil
	}
	total := 0
	for _, w := range pool {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	if total <= 0 {
		return pool[0]
	}
	pick := rng.Intn(total)
	cumulative := 0
	for _, w := range pool {
		if w.Weight <= 0 {
			continue
		}
		cumulative += w.Weight
		if pick < cumulative {
			return w
		}
	}
	return pool[len(pool)-1]
}

// selectPriority picks the lowest-priority (highest-precedence) eligible
// worker with capacity, falling through in priority order.
func selectPriority(candidates []*orchestratortypes.Worker) *orchestratortypes.Worker {
	pool := eligible(candidates)
	if len(pool) == 0 {
		return nil
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Priority != pool[j].Priority {
			return pool[i].Priority < pool[j].Priority
		}
		return pool[i].ID < pool[j].ID
	})
	return pool[0]
}
