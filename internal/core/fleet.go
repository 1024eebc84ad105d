package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/switchyard/internal/telemetry"
	"github.com/3cpo-dev/switchyard/internal/transport"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

// Transport is the address-keyed remote surface the core drives.
// transport.Pool implements it.
type Transport interface {
	HealthCheck(ctx context.Context, address string) transport.HealthResult
	DeployAgent(ctx context.Context, address string, spec api.AgentSpec) transport.DeployResult
	RollbackAgent(ctx context.Context, address, agentName string) transport.DeployResult
	SyncConversationState(ctx context.Context, address, conversationID string, state map[string]any) transport.SyncResult
}

// Forgetter is implemented by transports that keep per-address state,
// such as circuit breakers. Deregister calls it once no registered system
// uses the address any more.
type Forgetter interface {
	Forget(address string)
}

// Options tune the components the manager wires together.
type Options struct {
	Strategy          Strategy
	ProbeConcurrency  int
	DeployConcurrency int
}

// Manager owns the system registry and is the single entry point for
// registering systems, routing, health and deployments.
type Manager struct {
	mu      sync.RWMutex
	systems map[string]*system
	order   []string

	transport   Transport
	router      *Router
	monitor     *Monitor
	coordinator *Coordinator
}

// NewManager builds a manager and hands it to its router, monitor and coordinator.
func NewManager(t Transport, opts Options) *Manager {
	m := &Manager{
		systems:   map[string]*system{},
		transport: t,
	}
	m.router = NewRouter(m, opts.Strategy)
	m.monitor = NewMonitor(m, t, opts.ProbeConcurrency)
	m.coordinator = NewCoordinator(m, t, opts.DeployConcurrency)
	return m
}

func (m *Manager) Router() *Router           { return m.router }
func (m *Manager) Monitor() *Monitor         { return m.monitor }
func (m *Manager) Coordinator() *Coordinator { return m.coordinator }

// Register adds a system with unknown health and no connections.
func (m *Manager) Register(cfg api.SystemConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("register system: %w", err)
	}
	m.mu.Lock()
	if _, ok := m.systems[cfg.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("register %s: %w", cfg.ID, ErrDuplicateSystem)
	}
	m.systems[cfg.ID] = newSystem(cfg)
	m.order = append(m.order, cfg.ID)
	n := len(m.order)
	m.mu.Unlock()

	telemetry.RecordFleetSize(n)
	log.Info().
		Str("system", cfg.ID).
		Str("address", cfg.Address).
		Str("environment", string(cfg.Environment)).
		Bool("active", cfg.IsActive).
		Msg("System registered")
	return nil
}

// Deregister removes a system. In-flight routed work is not drained; the
// caller is expected to have stopped routing to it first.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	s, ok := m.systems[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("deregister %s: %w", id, ErrUnknownSystem)
	}
	delete(m.systems, id)
	address := s.config.Address
	shared := false
	for _, other := range m.systems {
		if other.config.Address == address {
			shared = true
			break
		}
	}
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	n := len(m.order)
	m.mu.Unlock()

	if f, ok := m.transport.(Forgetter); ok && !shared {
		f.Forget(address)
	}
	telemetry.RecordFleetSize(n)
	telemetry.ForgetSystem(id)
	log.Info().Str("system", id).Msg("System deregistered")
	return nil
}

// Get returns a copy of one record.
func (m *Manager) Get(id string) (SystemRecord, error) {
	s, ok := m.lookup(id)
	if !ok {
		return SystemRecord{}, fmt.Errorf("get %s: %w", id, ErrUnknownSystem)
	}
	return s.snapshot(), nil
}

// List returns copies of every record in registration order.
func (m *Manager) List() []SystemRecord {
	systems := m.ordered()
	out := make([]SystemRecord, 0, len(systems))
	for _, s := range systems {
		out = append(out, s.snapshot())
	}
	return out
}

// SetActive flips the activation flag of a registered system.
func (m *Manager) SetActive(id string, active bool) error {
	s, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("set active %s: %w", id, ErrUnknownSystem)
	}
	s.setActive(active)
	log.Info().Str("system", id).Bool("active", active).Msg("System activation changed")
	return nil
}

// Candidates lists systems eligible for routing: active, healthy and below
// their conversation capacity.
func (m *Manager) Candidates() []string {
	var out []string
	for _, s := range m.ordered() {
		if s.routable() {
			out = append(out, s.config.ID)
		}
	}
	return out
}

// Route picks a target for key among the current candidates. A nil error
// must be paired with Release once the routed work is finished.
func (m *Manager) Route(key string) (string, error) {
	return m.router.SelectTarget(key, m.Candidates())
}

// Release returns the connection slot taken by Route.
func (m *Manager) Release(id string) {
	m.router.Release(id)
}

// Snapshot returns the latest published health snapshot.
func (m *Manager) Snapshot() *Snapshot {
	return m.monitor.Snapshot()
}

// StartMonitoring begins periodic health cycles.
func (m *Manager) StartMonitoring(interval time.Duration) error {
	return m.monitor.Start(interval)
}

// StopMonitoring stops scheduling cycles and waits for a running one.
func (m *Manager) StopMonitoring() {
	m.monitor.Stop()
}

// Deploy pushes spec to every target and reports one outcome per target.
func (m *Manager) Deploy(ctx context.Context, spec api.AgentSpec, targets []string, dryRun bool) []Outcome {
	return m.coordinator.Deploy(ctx, spec, targets, dryRun)
}

// Rollback removes agentName from every target and reports one outcome per target.
func (m *Manager) Rollback(ctx context.Context, agentName string, targets []string) []Outcome {
	return m.coordinator.Rollback(ctx, agentName, targets)
}

// SyncConversation replicates conversation state to one system and
// returns the state the system holds afterwards.
func (m *Manager) SyncConversation(ctx context.Context, id, conversationID string, state map[string]any) (map[string]any, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("sync %s: %w", id, ErrUnknownSystem)
	}
	res := m.transport.SyncConversationState(ctx, s.config.Address, conversationID, state)
	if !res.Success {
		return nil, fmt.Errorf("sync %s: %w", id, res.Failure)
	}
	return res.State, nil
}

// Load registers every config held by store. Already registered systems
// are skipped so Load can be called again after the store changes.
func (m *Manager) Load(ctx context.Context, store ConfigStore) (int, error) {
	cfgs, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("load systems: %w", err)
	}
	loaded := 0
	for _, cfg := range cfgs {
		if _, ok := m.lookup(cfg.ID); ok {
			log.Warn().Str("system", cfg.ID).Msg("System already registered, skipping")
			continue
		}
		if err := m.Register(cfg); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func (m *Manager) lookup(id string) (*system, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.systems[id]
	return s, ok
}

func (m *Manager) ordered() []*system {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*system, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.systems[id])
	}
	return out
}
