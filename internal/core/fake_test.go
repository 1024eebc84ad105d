package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/switchyard/internal/transport"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

// fakeTransport answers from per-address tables and counts calls.
type fakeTransport struct {
	mu       sync.Mutex
	health   map[string]transport.HealthResult
	panics   map[string]bool
	deploys  map[string]transport.DeployResult
	delay    time.Duration
	calls    map[string]int
	inflight int
	peak     int
	forgot   []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		health:  map[string]transport.HealthResult{},
		panics:  map[string]bool{},
		deploys: map[string]transport.DeployResult{},
		calls:   map[string]int{},
	}
}

func (f *fakeTransport) enter(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	d := f.delay
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

func (f *fakeTransport) leave() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *fakeTransport) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.calls {
		n += v
	}
	return n
}

func (f *fakeTransport) Forget(address string) {
	f.mu.Lock()
	f.forgot = append(f.forgot, address)
	f.mu.Unlock()
}

func (f *fakeTransport) setHealth(addr string, res transport.HealthResult) {
	f.mu.Lock()
	f.health[addr] = res
	f.mu.Unlock()
}

func (f *fakeTransport) HealthCheck(ctx context.Context, address string) transport.HealthResult {
	f.enter("health")
	defer f.leave()
	f.mu.Lock()
	res, ok := f.health[address]
	boom := f.panics[address]
	f.mu.Unlock()
	if boom {
		panic("connection reset by peer")
	}
	if !ok {
		return transport.HealthResult{Status: api.HealthHealthy, StatusCode: 200, ResponseTime: time.Millisecond}
	}
	return res
}

func (f *fakeTransport) DeployAgent(ctx context.Context, address string, spec api.AgentSpec) transport.DeployResult {
	f.enter("deploy")
	defer f.leave()
	f.mu.Lock()
	res, ok := f.deploys[address]
	f.mu.Unlock()
	if !ok {
		return transport.DeployResult{Success: true, StatusCode: 200, Message: "deployed " + spec.Name}
	}
	return res
}

func (f *fakeTransport) RollbackAgent(ctx context.Context, address, agentName string) transport.DeployResult {
	f.enter("rollback")
	defer f.leave()
	return transport.DeployResult{Success: true, StatusCode: 200, Message: "rolled back " + agentName}
}

func (f *fakeTransport) SyncConversationState(ctx context.Context, address, conversationID string, state map[string]any) transport.SyncResult {
	f.enter("sync")
	defer f.leave()
	if address == "http://sync-fails.test" {
		return transport.SyncResult{Failure: &transport.Failure{Kind: transport.FailureRefused, Message: "connection refused"}}
	}
	out := map[string]any{"conversation_id": conversationID}
	for k, v := range state {
		out[k] = v
	}
	return transport.SyncResult{Success: true, StatusCode: 200, State: out}
}

func testSystem(id string) api.SystemConfig {
	return api.SystemConfig{
		ID:          id,
		Name:        "system " + id,
		Environment: api.EnvTesting,
		Address:     fmt.Sprintf("http://%s.test", id),
		IsActive:    true,
	}
}

// newTestFleet registers the given systems and runs one health cycle so
// every system is healthy.
func newTestFleet(t testing.TB, strategy Strategy, ids ...string) (*Manager, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	m := NewManager(ft, Options{Strategy: strategy})
	for _, id := range ids {
		require.NoError(t, m.Register(testSystem(id)))
	}
	m.Monitor().RunCycle(context.Background())
	return m, ft
}
