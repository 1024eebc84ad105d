package api

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// v0 contains public types shared by the control plane, remote systems and
// configuration files.

type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
)

// ParseEnvironment accepts the four known environment tags, case-insensitively.
func ParseEnvironment(s string) (Environment, error) {
	switch e := Environment(strings.ToLower(strings.TrimSpace(s))); e {
	case EnvProduction, EnvStaging, EnvDevelopment, EnvTesting:
		return e, nil
	}
	return "", ValidationError{Field: "environment", Value: s, Message: "must be one of production, staging, development, testing"}
}

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthError     HealthStatus = "error"
)

type DeploymentStatus string

const (
	DeploySuccess DeploymentStatus = "success"
	DeployError   DeploymentStatus = "error"
	DeployDryRun  DeploymentStatus = "dry_run"
)

// Capabilities describes what a remote system can host.
type Capabilities struct {
	MaxConcurrentConversations int      `json:"max_concurrent_conversations" yaml:"max_concurrent_conversations"`
	MaxAgents                  int      `json:"max_agents" yaml:"max_agents"`
	SupportedModels            []string `json:"supported_models,omitempty" yaml:"supported_models"`
	AvailableTools             []string `json:"available_tools,omitempty" yaml:"available_tools"`
	AvailableGuardrails        []string `json:"available_guardrails,omitempty" yaml:"available_guardrails"`
}

// SystemConfig is the descriptive record of one remote system in the fleet.
type SystemConfig struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Environment  Environment  `json:"environment" yaml:"environment"`
	Address      string       `json:"address" yaml:"address"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
	Region       string       `json:"region" yaml:"region"`
	// Priority orders systems for tie-breaking; lower is preferred.
	Priority int `json:"priority" yaml:"priority"`
	// Weight overrides the priority-derived selection weight under weighted
	// routing. An explicit 0 removes the system from weighted selection.
	Weight          *int          `json:"weight,omitempty" yaml:"weight"`
	IsActive        bool          `json:"is_active" yaml:"is_active"`
	MaxResponseTime time.Duration `json:"max_response_time" yaml:"max_response_time"`
}

// EffectiveWeight returns the routing weight, defaulting to 1.
func (c SystemConfig) EffectiveWeight() int {
	if c.Weight == nil {
		return 1
	}
	if *c.Weight < 0 {
		return 0
	}
	return *c.Weight
}

// PriorityWeight is the weight used by weighted_by_priority routing in a
// pool whose largest priority value is maxPriority. Without an explicit
// Weight, priority p weighs maxPriority-p+1.
func (c SystemConfig) PriorityWeight(maxPriority int) int {
	if c.Weight != nil {
		return c.EffectiveWeight()
	}
	if w := maxPriority - c.Priority + 1; w > 0 {
		return w
	}
	return 1
}

// Validate checks the fields the control plane depends on.
func (c SystemConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ValidationError{Field: "id", Value: c.ID, Message: "system id is required"}
	}
	u, err := url.Parse(c.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ValidationError{Field: "address", Value: c.Address, Message: "must be an absolute http(s) URL"}
	}
	if c.Environment != "" {
		if _, err := ParseEnvironment(string(c.Environment)); err != nil {
			return err
		}
	}
	if c.Priority < 0 {
		return ValidationError{Field: "priority", Value: fmt.Sprintf("%d", c.Priority), Message: "priority cannot be negative"}
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias slices or the weight.
func (c SystemConfig) Clone() SystemConfig {
	out := c
	out.Capabilities.SupportedModels = cloneStrings(c.Capabilities.SupportedModels)
	out.Capabilities.AvailableTools = cloneStrings(c.Capabilities.AvailableTools)
	out.Capabilities.AvailableGuardrails = cloneStrings(c.Capabilities.AvailableGuardrails)
	if c.Weight != nil {
		w := *c.Weight
		out.Weight = &w
	}
	return out
}

// AgentSpec is one deployable configuration unit.
type AgentSpec struct {
	Name         string   `json:"name" yaml:"name"`
	Model        string   `json:"model" yaml:"model"`
	Instructions string   `json:"instructions" yaml:"instructions"`
	Tools        []string `json:"tools,omitempty" yaml:"tools"`
	Guardrails   []string `json:"guardrails,omitempty" yaml:"guardrails"`
	IsActive     bool     `json:"is_active" yaml:"is_active"`
}

func (s AgentSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ValidationError{Field: "name", Value: s.Name, Message: "agent name is required"}
	}
	if strings.TrimSpace(s.Model) == "" {
		return ValidationError{Field: "model", Value: s.Model, Message: "agent model is required"}
	}
	return nil
}

// Wire payloads of the remote system RPC surface.

type HealthReport struct {
	Status  string    `json:"status"`
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
	Agents  int       `json:"agents"`
}

type RollbackRequest struct {
	AgentName string `json:"agent_name"`
}

type MessageResponse struct {
	Message string `json:"message"`
	Agent   string `json:"agent,omitempty"`
}

type SyncRequest struct {
	ConversationID string         `json:"conversation_id"`
	State          map[string]any `json:"state"`
}

type SyncResponse struct {
	ConversationID string         `json:"conversation_id"`
	State          map[string]any `json:"state"`
}

// ValidationError reports a rejected field value.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
