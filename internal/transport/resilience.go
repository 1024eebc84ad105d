package transport

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerConfig configures the per-system circuit breaker. Only transport
// level failures count; a remote system answering with an error status is
// reachable and does not trip the breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
	Disabled    bool          `yaml:"disabled"`
}

func newBreaker(address string, cfg BreakerConfig) *gobreaker.CircuitBreaker[*response] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}
	return gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "system:" + address,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.Disabled {
				return false
			}
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
}

// newLimiter returns an unlimited limiter when requestsPerSecond is not positive.
func newLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// newPooledHTTPClient builds the shared HTTP client. Per-call deadlines come
// from the request context, so the client itself carries no timeout.
func newPooledHTTPClient(opts Options) *http.Client {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.timeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     opts.TLS,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{Transport: tr}
}
