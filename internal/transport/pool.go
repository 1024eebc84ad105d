package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/3cpo-dev/switchyard/pkg/api"
)

// Pool keeps one Client per system address. All clients share the pooled
// HTTP client but own their limiter and circuit breaker.
type Pool struct {
	mu      sync.Mutex
	opts    Options
	http    *http.Client
	clients map[string]*Client
}

// NewPool resolves TLS material once and prepares the shared HTTP client.
func NewPool(opts Options) (*Pool, error) {
	if opts.TLS == nil && opts.TLSFiles.Enabled() {
		tlsCfg, err := opts.TLSFiles.Load()
		if err != nil {
			return nil, fmt.Errorf("load transport TLS: %w", err)
		}
		opts.TLS = tlsCfg
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = newPooledHTTPClient(opts)
	}
	return &Pool{opts: opts, http: hc, clients: map[string]*Client{}}, nil
}

// Client returns the client for address, creating it on first use.
func (p *Pool) Client(address string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[address]; ok {
		return c, nil
	}
	c, err := newClient(address, p.opts, p.http)
	if err != nil {
		return nil, err
	}
	p.clients[address] = c
	return c, nil
}

// Forget drops the client (and its breaker state) for address.
func (p *Pool) Forget(address string) {
	p.mu.Lock()
	delete(p.clients, address)
	p.mu.Unlock()
}

// BreakerStates reports the circuit state of every known address.
func (p *Pool) BreakerStates() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.clients))
	for addr, c := range p.clients {
		out[addr] = c.BreakerState().String()
	}
	return out
}

// Close releases idle connections held by the shared HTTP client.
func (p *Pool) Close() {
	p.http.CloseIdleConnections()
}

func (p *Pool) HealthCheck(ctx context.Context, address string) HealthResult {
	c, err := p.Client(address)
	if err != nil {
		return HealthResult{Status: api.HealthError, Failure: &Failure{Kind: FailureNetwork, Message: err.Error()}}
	}
	return c.HealthCheck(ctx)
}

func (p *Pool) DeployAgent(ctx context.Context, address string, spec api.AgentSpec) DeployResult {
	c, err := p.Client(address)
	if err != nil {
		f := &Failure{Kind: FailureNetwork, Message: err.Error()}
		return DeployResult{Message: f.Error(), Failure: f}
	}
	return c.DeployAgent(ctx, spec)
}

func (p *Pool) RollbackAgent(ctx context.Context, address, agentName string) DeployResult {
	c, err := p.Client(address)
	if err != nil {
		f := &Failure{Kind: FailureNetwork, Message: err.Error()}
		return DeployResult{Message: f.Error(), Failure: f}
	}
	return c.RollbackAgent(ctx, agentName)
}

func (p *Pool) SyncConversationState(ctx context.Context, address, conversationID string, state map[string]any) SyncResult {
	c, err := p.Client(address)
	if err != nil {
		return SyncResult{Failure: &Failure{Kind: FailureNetwork, Message: err.Error()}}
	}
	return c.SyncConversationState(ctx, conversationID, state)
}
