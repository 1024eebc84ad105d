package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/3cpo-dev/switchyard/pkg/api"
)

const (
	DefaultTimeout = 30 * time.Second

	pathHealth   = "/health"
	pathDeploy   = "/agents/deploy"
	pathRollback = "/agents/rollback"
	pathSync     = "/conversations/sync"

	maxResponseBytes = 1 << 20
)

// Options are shared by every client created from the same settings.
type Options struct {
	Timeout           time.Duration `yaml:"timeout"`
	Token             string        `yaml:"token"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Breaker           BreakerConfig `yaml:"breaker"`
	TLSFiles          TLSFiles      `yaml:"tls"`
	// TLS takes precedence over TLSFiles when set.
	TLS *tls.Config `yaml:"-"`
	// HTTPClient replaces the pooled client, mostly for tests.
	HTTPClient *http.Client `yaml:"-"`
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

type timeoutKey struct{}

// WithTimeout overrides the client timeout for calls made with the returned context.
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey{}, d)
}

type response struct {
	status  int
	body    []byte
	elapsed time.Duration
}

// Client talks to one remote system. Every method returns a classified
// result; failures never escape as errors or panics.
type Client struct {
	base    string
	timeout time.Duration
	token   string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*response]
}

// New creates a client for the system at address.
func New(address string, opts Options) (*Client, error) {
	p, err := NewPool(opts)
	if err != nil {
		return nil, err
	}
	return p.Client(address)
}

func newClient(address string, opts Options, hc *http.Client) (*Client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse address: unsupported scheme %q", u.Scheme)
	}
	return &Client{
		base:    strings.TrimRight(u.String(), "/"),
		timeout: opts.timeout(),
		token:   opts.Token,
		http:    hc,
		limiter: newLimiter(opts.RequestsPerSecond, opts.Burst),
		breaker: newBreaker(address, opts.Breaker),
	}, nil
}

// Address returns the base URL the client targets.
func (c *Client) Address() string { return c.base }

// BreakerState exposes the circuit state for monitoring.
func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }

// HealthCheck probes the system. Only a 2xx answer with a JSON body counts as healthy.
func (c *Client) HealthCheck(ctx context.Context) HealthResult {
	res, f := c.do(ctx, http.MethodGet, pathHealth, nil)
	if f != nil {
		return HealthResult{Status: api.HealthError, Failure: f}
	}
	out := HealthResult{StatusCode: res.status, ResponseTime: res.elapsed}
	if !success(res.status) {
		out.Status = api.HealthUnhealthy
		out.Failure = &Failure{Kind: FailureRejected, StatusCode: res.status, Message: remoteMessage(res.body)}
		return out
	}
	var body any
	if err := json.Unmarshal(res.body, &body); err != nil {
		out.Status = api.HealthError
		out.Failure = &Failure{Kind: FailureMalformed, StatusCode: res.status, Message: fmt.Sprintf("decode health body: %v", err)}
		return out
	}
	out.Status = api.HealthHealthy
	out.Body = body
	return out
}

// DeployAgent pushes one agent spec to the system.
func (c *Client) DeployAgent(ctx context.Context, spec api.AgentSpec) DeployResult {
	return c.deployCall(ctx, pathDeploy, spec, "deployed "+spec.Name)
}

// RollbackAgent removes one agent from the system by name.
func (c *Client) RollbackAgent(ctx context.Context, agentName string) DeployResult {
	return c.deployCall(ctx, pathRollback, api.RollbackRequest{AgentName: agentName}, "rolled back "+agentName)
}

func (c *Client) deployCall(ctx context.Context, path string, payload any, fallback string) DeployResult {
	res, f := c.do(ctx, http.MethodPost, path, payload)
	if f != nil {
		return DeployResult{Message: f.Error(), Failure: f}
	}
	out := DeployResult{StatusCode: res.status}
	if !success(res.status) {
		out.Failure = &Failure{Kind: FailureRejected, StatusCode: res.status, Message: remoteMessage(res.body)}
		out.Message = out.Failure.Error()
		return out
	}
	var body map[string]any
	if err := json.Unmarshal(res.body, &body); err != nil {
		out.Failure = &Failure{Kind: FailureMalformed, StatusCode: res.status, Message: fmt.Sprintf("decode response: %v", err)}
		out.Message = out.Failure.Error()
		return out
	}
	out.Success = true
	out.Response = body
	out.Message = fallback
	if m, ok := body["message"].(string); ok && m != "" {
		out.Message = m
	}
	return out
}

// SyncConversationState replicates conversation state to the system.
func (c *Client) SyncConversationState(ctx context.Context, conversationID string, state map[string]any) SyncResult {
	res, f := c.do(ctx, http.MethodPost, pathSync, api.SyncRequest{ConversationID: conversationID, State: state})
	if f != nil {
		return SyncResult{Failure: f}
	}
	out := SyncResult{StatusCode: res.status}
	if !success(res.status) {
		out.Failure = &Failure{Kind: FailureRejected, StatusCode: res.status, Message: remoteMessage(res.body)}
		return out
	}
	var body api.SyncResponse
	if err := json.Unmarshal(res.body, &body); err != nil {
		out.Failure = &Failure{Kind: FailureMalformed, StatusCode: res.status, Message: fmt.Sprintf("decode response: %v", err)}
		return out
	}
	out.Success = true
	out.State = body.State
	return out
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := c.timeout
	if v, ok := ctx.Value(timeoutKey{}).(time.Duration); ok && v > 0 {
		d = v
	}
	return context.WithTimeout(ctx, d)
}

// do performs one request through the limiter and breaker and reads the
// whole body before the call deadline expires.
func (c *Client) do(ctx context.Context, method, path string, payload any) (*response, *Failure) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Failure{Kind: FailureTimeout, Message: fmt.Sprintf("rate limit wait: %v", err)}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &Failure{Kind: FailureMalformed, Message: fmt.Sprintf("encode request: %v", err)}
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, &Failure{Kind: FailureNetwork, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	res, err := c.breaker.Execute(func() (*response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return &response{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	res.elapsed = time.Since(start)
	return res, nil
}

func success(status int) bool { return status >= 200 && status < 300 }

// remoteMessage extracts a message or error field from a JSON body and
// falls back to the trimmed raw text.
func remoteMessage(body []byte) string {
	var m map[string]any
	if json.Unmarshal(body, &m) == nil {
		for _, k := range []string{"message", "error"} {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
