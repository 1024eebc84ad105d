package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/3cpo-dev/switchyard/pkg/api"
)

// responseWindow is how many probe latencies a record keeps.
const responseWindow = 10

// SystemRecord is a point-in-time copy of one system's runtime state.
type SystemRecord struct {
	Config            api.SystemConfig
	Active            bool
	Health            api.HealthStatus
	ActiveConnections int64
	ResponseTimes     []time.Duration
	SuccessCount      int64
	ErrorCount        int64
	LastChecked       time.Time
	LastError         string
}

// ID returns the system identity.
func (r SystemRecord) ID() string { return r.Config.ID }

// AverageResponseTime averages the rolling latency window.
func (r SystemRecord) AverageResponseTime() time.Duration {
	if len(r.ResponseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range r.ResponseTimes {
		total += d
	}
	return total / time.Duration(len(r.ResponseTimes))
}

// system is the live record. Field groups have one writer each: the
// manager owns config and active, the monitor owns the health group, and
// the router owns conns.
type system struct {
	mu     sync.RWMutex
	config api.SystemConfig
	active bool

	health        api.HealthStatus
	responseTimes []time.Duration
	successes     int64
	errors        int64
	lastChecked   time.Time
	lastError     string

	conns atomic.Int64
}

func newSystem(cfg api.SystemConfig) *system {
	return &system{
		config: cfg.Clone(),
		active: cfg.IsActive,
		health: api.HealthUnknown,
	}
}

func (s *system) snapshot() SystemRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt := make([]time.Duration, len(s.responseTimes))
	copy(rt, s.responseTimes)
	return SystemRecord{
		Config:            s.config.Clone(),
		Active:            s.active,
		Health:            s.health,
		ActiveConnections: s.conns.Load(),
		ResponseTimes:     rt,
		SuccessCount:      s.successes,
		ErrorCount:        s.errors,
		LastChecked:       s.lastChecked,
		LastError:         s.lastError,
	}
}

// recordProbe applies one health result and returns the previous status.
func (s *system) recordProbe(res HealthResult) api.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.health
	s.health = res.Status
	s.lastChecked = res.CheckedAt
	s.lastError = res.Error
	if res.Status == api.HealthHealthy {
		s.successes++
	} else {
		s.errors++
	}
	if res.ResponseTime > 0 {
		s.responseTimes = append(s.responseTimes, res.ResponseTime)
		if len(s.responseTimes) > responseWindow {
			s.responseTimes = s.responseTimes[len(s.responseTimes)-responseWindow:]
		}
	}
	return prev
}

func (s *system) setActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.config.IsActive = active
	s.mu.Unlock()
}

// routable reports whether the system belongs in the candidate pool.
func (s *system) routable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active || s.health != api.HealthHealthy {
		return false
	}
	return !s.saturatedLocked()
}

// saturated reports whether the system holds as many routed conversations
// as its MaxConcurrentConversations allows.
func (s *system) saturated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saturatedLocked()
}

func (s *system) saturatedLocked() bool {
	limit := s.config.Capabilities.MaxConcurrentConversations
	return limit > 0 && s.conns.Load() >= int64(limit)
}
