package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/switchyard/internal/telemetry"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

// DefaultHealthInterval is the delay between monitor cycles.
const DefaultHealthInterval = 60 * time.Second

// HealthResult is the outcome of probing one system in one cycle.
type HealthResult struct {
	SystemID     string           `json:"system_id"`
	Status       api.HealthStatus `json:"status"`
	ResponseTime time.Duration    `json:"response_time"`
	StatusCode   int              `json:"status_code,omitempty"`
	Error        string           `json:"error,omitempty"`
	CheckedAt    time.Time        `json:"checked_at"`
}

// Snapshot is an immutable view of one completed cycle.
type Snapshot struct {
	cycle   uint64
	takenAt time.Time
	results map[string]HealthResult
}

// Cycle is 0 before the first cycle completes.
func (s *Snapshot) Cycle() uint64 { return s.cycle }

func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of probed systems.
func (s *Snapshot) Len() int { return len(s.results) }

// Get returns the result for one system.
func (s *Snapshot) Get(id string) (HealthResult, bool) {
	r, ok := s.results[id]
	return r, ok
}

// Results returns every result ordered by system identity.
func (s *Snapshot) Results() []HealthResult {
	out := make([]HealthResult, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SystemID < out[j].SystemID })
	return out
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Cycle   uint64         `json:"cycle"`
		TakenAt time.Time      `json:"taken_at"`
		Results []HealthResult `json:"results"`
	}{s.cycle, s.takenAt, s.Results()})
}

// Monitor probes every registered system and publishes snapshots.
type Monitor struct {
	fleet     *Manager
	transport Transport
	limit     int

	cycles  atomic.Uint64
	current atomic.Pointer[Snapshot]
	cycleMu sync.Mutex

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. limit bounds concurrent probes; 0 means
// one goroutine per system.
func NewMonitor(fleet *Manager, t Transport, limit int) *Monitor {
	m := &Monitor{fleet: fleet, transport: t, limit: limit}
	m.current.Store(&Snapshot{results: map[string]HealthResult{}})
	return m
}

// Snapshot returns the last published snapshot.
func (m *Monitor) Snapshot() *Snapshot { return m.current.Load() }

// StatusOf returns the last probed status, unknown if never probed.
func (m *Monitor) StatusOf(id string) api.HealthStatus {
	if r, ok := m.Snapshot().Get(id); ok {
		return r.Status
	}
	return api.HealthUnknown
}

// UnhealthySystems lists systems whose last probe was not healthy.
func (m *Monitor) UnhealthySystems() []string {
	var out []string
	for _, r := range m.Snapshot().Results() {
		if r.Status != api.HealthHealthy {
			out = append(out, r.SystemID)
		}
	}
	return out
}

// RunCycle probes all systems concurrently, waits for every probe,
// updates the records and publishes the new snapshot.
func (m *Monitor) RunCycle(ctx context.Context) *Snapshot {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	systems := m.fleet.ordered()
	ctx, span := telemetry.StartSpan(ctx, "health.cycle", attribute.Int("systems", len(systems)))
	defer span.End()
	timer := telemetry.NewTimerScope("switchyard_health_cycle_duration", map[string]string{"component": "health"})

	results := make([]HealthResult, len(systems))
	var g errgroup.Group
	if m.limit > 0 {
		g.SetLimit(m.limit)
	}
	for i, s := range systems {
		g.Go(func() error {
			results[i] = m.probe(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	snap := &Snapshot{
		cycle:   m.cycles.Add(1),
		takenAt: time.Now(),
		results: make(map[string]HealthResult, len(systems)),
	}
	unhealthy := 0
	for i, s := range systems {
		res := results[i]
		if cur, ok := m.fleet.lookup(res.SystemID); !ok || cur != s {
			continue
		}
		prev := s.recordProbe(res)
		if prev != res.Status {
			ev := log.Info()
			if res.Status != api.HealthHealthy {
				ev = log.Warn()
			}
			ev.Str("system", res.SystemID).
				Str("from", string(prev)).
				Str("to", string(res.Status)).
				Str("error", res.Error).
				Msg("System health changed")
		}
		telemetry.RecordProbe(res.SystemID, string(res.Status), res.ResponseTime)
		if res.Status != api.HealthHealthy {
			unhealthy++
		}
		snap.results[res.SystemID] = res
	}
	m.current.Store(snap)

	telemetry.RecordCycle(len(snap.results), unhealthy)
	span.SetAttributes(attribute.Int("unhealthy", unhealthy), attribute.Int64("cycle", int64(snap.cycle)))
	log.Debug().
		Uint64("cycle", snap.cycle).
		Int("systems", len(snap.results)).
		Int("unhealthy", unhealthy).
		Dur("duration", timer.End()).
		Msg("Health cycle complete")
	return snap
}

// probe never panics; a panicking transport yields an error result.
func (m *Monitor) probe(ctx context.Context, s *system) (res HealthResult) {
	id := s.config.ID
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("system", id).Interface("panic", r).Msg("Health probe panicked")
			res = HealthResult{
				SystemID:  id,
				Status:    api.HealthError,
				Error:     fmt.Sprintf("probe panic: %v", r),
				CheckedAt: time.Now(),
			}
		}
	}()

	tr := m.transport.HealthCheck(ctx, s.config.Address)
	res = HealthResult{
		SystemID:     id,
		Status:       tr.Status,
		ResponseTime: tr.ResponseTime,
		StatusCode:   tr.StatusCode,
		Error:        tr.Error(),
		CheckedAt:    time.Now(),
	}
	if res.Status == "" {
		res.Status = api.HealthError
	}
	if limit := s.config.MaxResponseTime; res.Status == api.HealthHealthy && limit > 0 && res.ResponseTime > limit {
		res.Status = api.HealthUnhealthy
		res.Error = fmt.Sprintf("response time %s exceeds %s", res.ResponseTime, limit)
	}
	return res
}

// constantDelay fires at a fixed interval after each activation.
type constantDelay struct {
	delay time.Duration
}

func (d constantDelay) Next(t time.Time) time.Time { return t.Add(d.delay) }

// Start runs one cycle immediately, then one every interval. Cycles never
// overlap.
func (m *Monitor) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return ErrMonitorRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(constantDelay{delay: interval}, cron.FuncJob(func() { m.RunCycle(ctx) }))
	c.Start()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.RunCycle(ctx)
	}()

	m.cron, m.cancel = c, cancel
	log.Info().Dur("interval", interval).Msg("Health monitor started")
	return nil
}

// Stop prevents further cycles and waits for a running one to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.mu.Unlock()
	if c == nil {
		return
	}

	<-c.Stop().Done()
	m.wg.Wait()
	cancel()
	log.Info().Msg("Health monitor stopped")
}

// Running reports whether periodic cycles are scheduled.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}
