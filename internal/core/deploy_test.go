package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/switchyard/internal/transport"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

var supportAgent = api.AgentSpec{
	Name:     "support",
	Model:    "gpt-4o",
	Tools:    []string{"search"},
	IsActive: true,
}

func TestDeployUnknownTarget(t *testing.T) {
	m, ft := newTestFleet(t, RoundRobin, "a", "c")
	ft.deploys["http://c.test"] = transport.DeployResult{
		StatusCode: 422,
		Message:    "remote rejected request (422): unsupported model",
		Failure:    &transport.Failure{Kind: transport.FailureRejected, StatusCode: 422, Message: "unsupported model"},
	}

	outcomes := m.Deploy(context.Background(), supportAgent, []string{"a", "b", "c"}, false)
	require.Len(t, outcomes, 3)

	assert.Equal(t, "a", outcomes[0].SystemID)
	assert.Equal(t, api.DeploySuccess, outcomes[0].Status)

	assert.Equal(t, "b", outcomes[1].SystemID)
	assert.Equal(t, api.DeployError, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Message, "unknown target")

	assert.Equal(t, "c", outcomes[2].SystemID)
	assert.Equal(t, api.DeployError, outcomes[2].Status)
	assert.Contains(t, outcomes[2].Message, "unsupported model")

	assert.Equal(t, 2, ft.count("deploy"))
	for _, o := range outcomes {
		assert.Equal(t, outcomes[0].OperationID, o.OperationID)
	}
	assert.NotEmpty(t, outcomes[0].OperationID)
}

func TestDeployDryRunMakesNoCalls(t *testing.T) {
	m, ft := newTestFleet(t, RoundRobin, "a", "b")
	before := ft.total()

	outcomes := m.Deploy(context.Background(), supportAgent, []string{"a", "b"}, true)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, api.DeployDryRun, o.Status)
		assert.Contains(t, o.Message, "would deploy agent support")
	}
	assert.Equal(t, before, ft.total())
}

func TestDeployInvalidSpec(t *testing.T) {
	m, ft := newTestFleet(t, RoundRobin, "a")

	outcomes := m.Deploy(context.Background(), api.AgentSpec{Name: "nomodel"}, []string{"a", "zz"}, false)
	require.Len(t, outcomes, 2)
	assert.Equal(t, api.DeployError, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Message, "invalid agent spec")
	assert.Contains(t, outcomes[1].Message, "unknown target")
	assert.Zero(t, ft.count("deploy"))
}

func TestDeployCapabilityMismatch(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, Options{})

	models := testSystem("models")
	models.Capabilities.SupportedModels = []string{"claude"}
	tools := testSystem("tools")
	tools.Capabilities.AvailableTools = []string{"calculator"}
	guards := testSystem("guards")
	guards.Capabilities.AvailableGuardrails = []string{"pii"}
	open := testSystem("open")
	for _, cfg := range []api.SystemConfig{models, tools, guards, open} {
		require.NoError(t, m.Register(cfg))
	}

	spec := supportAgent
	spec.Guardrails = []string{"toxicity"}
	outcomes := m.Deploy(context.Background(), spec, []string{"models", "tools", "guards", "open"}, true)
	require.Len(t, outcomes, 4)
	assert.Contains(t, outcomes[0].Message, `model "gpt-4o"`)
	assert.Contains(t, outcomes[1].Message, `tool "search"`)
	assert.Contains(t, outcomes[2].Message, `guardrail "toxicity"`)
	assert.Equal(t, api.DeployDryRun, outcomes[3].Status)
}

func TestDeployLegsRunConcurrently(t *testing.T) {
	m, ft := newTestFleet(t, RoundRobin, "a", "b", "c", "d")
	ft.delay = 50 * time.Millisecond

	start := time.Now()
	outcomes := m.Deploy(context.Background(), supportAgent, []string{"a", "b", "c", "d"}, false)
	assert.Less(t, time.Since(start), 180*time.Millisecond)
	for _, o := range outcomes {
		assert.Equal(t, api.DeploySuccess, o.Status)
		assert.Positive(t, o.Duration)
	}
}

func TestDeployEmptyTargets(t *testing.T) {
	m, _ := newTestFleet(t, RoundRobin, "a")
	assert.Empty(t, m.Deploy(context.Background(), supportAgent, nil, false))
}

func TestRollback(t *testing.T) {
	m, ft := newTestFleet(t, RoundRobin, "a", "b")

	outcomes := m.Rollback(context.Background(), "support", []string{"a", "gone", "b"})
	require.Len(t, outcomes, 3)
	assert.Equal(t, api.DeploySuccess, outcomes[0].Status)
	assert.Equal(t, "rolled back support", outcomes[0].Message)
	assert.Equal(t, api.DeployError, outcomes[1].Status)
	assert.Equal(t, api.DeploySuccess, outcomes[2].Status)
	assert.Equal(t, 2, ft.count("rollback"))

	outcomes = m.Rollback(context.Background(), " ", []string{"a"})
	assert.Equal(t, api.DeployError, outcomes[0].Status)
	assert.Equal(t, 2, ft.count("rollback"))
}
