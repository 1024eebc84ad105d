package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/switchyard/internal/telemetry"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

// Outcome reports what happened on one target of a deployment or rollback.
type Outcome struct {
	OperationID string               `json:"operation_id"`
	SystemID    string               `json:"system_id"`
	Status      api.DeploymentStatus `json:"status"`
	Message     string               `json:"message"`
	Response    map[string]any       `json:"response,omitempty"`
	Duration    time.Duration        `json:"duration"`
}

// Coordinator fans agent operations out to a chosen subset of systems.
// Every target yields exactly one outcome; a failing target never stops
// the others and nothing is retried or compensated.
type Coordinator struct {
	fleet     *Manager
	transport Transport
	limit     int
}

// NewCoordinator creates a coordinator. limit bounds concurrent legs; 0
// means unbounded.
func NewCoordinator(fleet *Manager, t Transport, limit int) *Coordinator {
	return &Coordinator{fleet: fleet, transport: t, limit: limit}
}

type leg func(ctx context.Context, s *system) (api.DeploymentStatus, string, map[string]any)

// Deploy pushes spec to targets. With dryRun no remote call is made and
// every eligible target reports what would have been done.
func (c *Coordinator) Deploy(ctx context.Context, spec api.AgentSpec, targets []string, dryRun bool) []Outcome {
	specErr := spec.Validate()
	return c.run(ctx, "deploy", targets, []attribute.KeyValue{
		attribute.String("agent", spec.Name),
		attribute.Bool("dry_run", dryRun),
	}, func(ctx context.Context, s *system) (api.DeploymentStatus, string, map[string]any) {
		if specErr != nil {
			return api.DeployError, fmt.Sprintf("invalid agent spec: %v", specErr), nil
		}
		if err := checkCapabilities(spec, s.config.Capabilities); err != nil {
			return api.DeployError, err.Error(), nil
		}
		if dryRun {
			return api.DeployDryRun, fmt.Sprintf("would deploy agent %s (model %s) to %s", spec.Name, spec.Model, s.config.Address), nil
		}
		res := c.transport.DeployAgent(ctx, s.config.Address, spec)
		if !res.Success {
			return api.DeployError, res.Message, res.Response
		}
		return api.DeploySuccess, res.Message, res.Response
	})
}

// Rollback removes agentName from targets.
func (c *Coordinator) Rollback(ctx context.Context, agentName string, targets []string) []Outcome {
	return c.run(ctx, "rollback", targets, []attribute.KeyValue{
		attribute.String("agent", agentName),
	}, func(ctx context.Context, s *system) (api.DeploymentStatus, string, map[string]any) {
		if strings.TrimSpace(agentName) == "" {
			return api.DeployError, "agent name is required", nil
		}
		res := c.transport.RollbackAgent(ctx, s.config.Address, agentName)
		if !res.Success {
			return api.DeployError, res.Message, res.Response
		}
		return api.DeploySuccess, res.Message, res.Response
	})
}

// run executes fn once per target concurrently and returns the outcomes
// in target order after every leg has finished.
func (c *Coordinator) run(ctx context.Context, operation string, targets []string, attrs []attribute.KeyValue, fn leg) []Outcome {
	opID := uuid.NewString()
	attrs = append(attrs, attribute.String("operation_id", opID), attribute.Int("targets", len(targets)))
	ctx, span := telemetry.StartSpan(ctx, operation+".agent", attrs...)
	defer span.End()

	outcomes := make([]Outcome, len(targets))
	var g errgroup.Group
	if c.limit > 0 {
		g.SetLimit(c.limit)
	}
	for i, target := range targets {
		g.Go(func() error {
			outcomes[i] = c.runLeg(ctx, opID, operation, target, fn)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Status == api.DeployError {
			failed++
		}
	}
	if failed > 0 {
		telemetry.RecordError(span, fmt.Errorf("%s: %d of %d targets failed", operation, failed, len(targets)))
	}
	log.Info().
		Str("operation_id", opID).
		Str("operation", operation).
		Int("targets", len(targets)).
		Int("failed", failed).
		Msg("Agent operation finished")
	return outcomes
}

func (c *Coordinator) runLeg(ctx context.Context, opID, operation, target string, fn leg) (out Outcome) {
	start := time.Now()
	out = Outcome{OperationID: opID, SystemID: target}
	defer func() {
		if r := recover(); r != nil {
			out.Status = api.DeployError
			out.Message = fmt.Sprintf("%s panic: %v", operation, r)
			out.Response = nil
		}
		out.Duration = time.Since(start)
		telemetry.RecordOutcome(operation, target, string(out.Status), out.Duration)
		if out.Status == api.DeployError {
			log.Warn().
				Str("operation_id", opID).
				Str("operation", operation).
				Str("system", target).
				Str("message", out.Message).
				Msg("Agent operation failed on target")
		}
	}()

	s, ok := c.fleet.lookup(target)
	if !ok {
		out.Status = api.DeployError
		out.Message = fmt.Sprintf("unknown target system %q", target)
		return out
	}
	out.Status, out.Message, out.Response = fn(ctx, s)
	return out
}

// checkCapabilities rejects specs that need a model, tool or guardrail the
// system does not offer. An empty capability list means anything goes.
func checkCapabilities(spec api.AgentSpec, caps api.Capabilities) error {
	if len(caps.SupportedModels) > 0 && !slices.Contains(caps.SupportedModels, spec.Model) {
		return fmt.Errorf("model %q not supported by system", spec.Model)
	}
	if len(caps.AvailableTools) > 0 {
		for _, t := range spec.Tools {
			if !slices.Contains(caps.AvailableTools, t) {
				return fmt.Errorf("tool %q not available on system", t)
			}
		}
	}
	if len(caps.AvailableGuardrails) > 0 {
		for _, gr := range spec.Guardrails {
			if !slices.Contains(caps.AvailableGuardrails, gr) {
				return fmt.Errorf("guardrail %q not available on system", gr)
			}
		}
	}
	return nil
}
