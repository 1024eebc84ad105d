package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/3cpo-dev/switchyard/pkg/api"
)

// FailureKind classifies why a remote call did not succeed.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureRefused     FailureKind = "refused"
	FailureRejected    FailureKind = "rejected"
	FailureMalformed   FailureKind = "malformed"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailureNetwork     FailureKind = "network"
)

// Failure describes a failed remote call. It is carried inside results and
// never returned from Client methods as an error.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// HealthResult is the classified outcome of one health probe.
type HealthResult struct {
	Status       api.HealthStatus
	StatusCode   int
	ResponseTime time.Duration
	Body         any
	Failure      *Failure
}

// Error returns the failure text, or "" for a healthy probe.
func (r HealthResult) Error() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Error()
}

// DeployResult is the outcome of a deploy or rollback call.
type DeployResult struct {
	Success    bool
	StatusCode int
	Message    string
	Response   map[string]any
	Failure    *Failure
}

// SyncResult is the outcome of a conversation state sync.
type SyncResult struct {
	Success    bool
	StatusCode int
	State      map[string]any
	Failure    *Failure
}

func classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	msg := err.Error()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Failure{Kind: FailureCircuitOpen, Message: msg}
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: FailureTimeout, Message: msg}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Failure{Kind: FailureRefused, Message: msg}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Failure{Kind: FailureTimeout, Message: msg}
	}
	return &Failure{Kind: FailureNetwork, Message: msg}
}
