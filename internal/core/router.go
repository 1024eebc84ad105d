package core

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/3cpo-dev/switchyard/internal/telemetry"
)

// Strategy selects how the router picks a target among candidates.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastConnections
	WeightedByPriority
	StickyHash
)

var strategyNames = [...]string{
	RoundRobin:         "round_robin",
	LeastConnections:   "least_connections",
	WeightedByPriority: "weighted_by_priority",
	StickyHash:         "sticky_hash",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// ParseStrategy maps a configured name to a Strategy. Empty means round_robin.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return RoundRobin, nil
	}
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown routing strategy %q", name)
}

// Router picks targets and owns the per-system connection counters.
type Router struct {
	mu       sync.Mutex
	fleet    *Manager
	strategy Strategy
	last     string
	rng      *rand.Rand
}

// NewRouter creates a router reading records from fleet.
func NewRouter(fleet *Manager, strategy Strategy) *Router {
	return &Router{
		fleet:    fleet,
		strategy: strategy,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Strategy returns the configured strategy.
func (r *Router) Strategy() Strategy { return r.strategy }

// SetRand replaces the random source used by weighted selection.
func (r *Router) SetRand(rng *rand.Rand) {
	r.mu.Lock()
	r.rng = rng
	r.mu.Unlock()
}

// SelectTarget chooses one identity from pool and increments its
// connection counter. Identities not registered with the fleet are ignored.
func (r *Router) SelectTarget(key string, pool []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cands := r.resolve(pool)
	var chosen *system
	if len(cands) > 0 {
		switch r.strategy {
		case LeastConnections:
			chosen = leastConnections(cands)
		case WeightedByPriority:
			chosen = r.weighted(cands)
		case StickyHash:
			chosen = rendezvous(key, cands)
		default:
			chosen = r.roundRobin(cands)
		}
	}
	if chosen == nil {
		telemetry.RecordRouteFailure(r.strategy.String())
		return "", fmt.Errorf("select target: %w", ErrNoAvailableSystem)
	}

	id := chosen.config.ID
	n := chosen.conns.Add(1)
	telemetry.RecordRoute(r.strategy.String(), id)
	telemetry.RecordConnections(id, n)
	return id, nil
}

// Release decrements the connection counter of id, never below zero.
func (r *Router) Release(id string) {
	s, ok := r.fleet.lookup(id)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.conns.Load() <= 0 {
		return
	}
	telemetry.RecordConnections(id, s.conns.Add(-1))
}

// resolve returns the registered systems of pool sorted by identity,
// without duplicates. Systems at their conversation limit are dropped
// under r.mu.
func (r *Router) resolve(pool []string) []*system {
	seen := make(map[string]struct{}, len(pool))
	out := make([]*system, 0, len(pool))
	for _, id := range pool {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if s, ok := r.fleet.lookup(id); ok && !s.saturated() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].config.ID < out[j].config.ID })
	return out
}

// roundRobin picks the first identity after the previous choice, wrapping.
func (r *Router) roundRobin(cands []*system) *system {
	chosen := cands[0]
	for _, s := range cands {
		if s.config.ID > r.last {
			chosen = s
			break
		}
	}
	r.last = chosen.config.ID
	return chosen
}

func leastConnections(cands []*system) *system {
	best := cands[0]
	bestConns := best.conns.Load()
	for _, s := range cands[1:] {
		n := s.conns.Load()
		switch {
		case n < bestConns:
		case n == bestConns && s.config.Priority < best.config.Priority:
		default:
			continue
		}
		best, bestConns = s, n
	}
	return best
}

// weighted draws proportionally to each candidate's weight. An explicit
// Weight wins, otherwise the weight derives from priority so lower values
// draw more often. Zero weights are never drawn; nil means every weight is
// zero.
func (r *Router) weighted(cands []*system) *system {
	maxPriority := 0
	for _, s := range cands {
		maxPriority = max(maxPriority, s.config.Priority)
	}
	weights := make([]int, len(cands))
	total := 0
	for i, s := range cands {
		weights[i] = s.config.PriorityWeight(maxPriority)
		total += weights[i]
	}
	if total <= 0 {
		return nil
	}
	n := r.rng.IntN(total)
	for i, s := range cands {
		if n < weights[i] {
			return s
		}
		n -= weights[i]
	}
	return nil
}

// rendezvous returns the candidate with the highest hash of key and
// identity, so removing a system only remaps the keys it owned.
func rendezvous(key string, cands []*system) *system {
	var best *system
	var bestScore uint64
	for _, s := range cands {
		score := hashScore(key, s.config.ID)
		if best == nil || score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}

func hashScore(key, id string) uint64 {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return binary.BigEndian.Uint64(h.Sum(nil))
}
