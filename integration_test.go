package switchyard_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/switchyard/internal/agent"
	"github.com/3cpo-dev/switchyard/internal/core"
	"github.com/3cpo-dev/switchyard/internal/transport"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

type remote struct {
	srv  *agent.Server
	http *httptest.Server
}

func startRemotes(t *testing.T, token string, ids ...string) map[string]*remote {
	t.Helper()
	out := make(map[string]*remote, len(ids))
	for _, id := range ids {
		srv := &agent.Server{Version: "it-" + id, Token: token}
		hs := httptest.NewServer(srv.Handler())
		t.Cleanup(hs.Close)
		out[id] = &remote{srv: srv, http: hs}
	}
	return out
}

// TestFullWorkflow drives the control plane against real agent servers
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	const token = "integration-token"
	remotes := startRemotes(t, token, "alpha", "beta", "gamma")

	store, err := core.NewSQLiteStore(filepath.Join(t.TempDir(), "switchyard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for _, id := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, store.Put(ctx, api.SystemConfig{
			ID:          id,
			Name:        id,
			Environment: api.EnvTesting,
			Address:     remotes[id].http.URL,
			IsActive:    true,
		}))
	}

	pool, err := transport.NewPool(transport.Options{Timeout: 2 * time.Second, Token: token})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	fleet := core.NewManager(pool, core.Options{Strategy: core.LeastConnections})
	n, err := fleet.Load(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	t.Run("Health", func(t *testing.T) {
		snap := fleet.Monitor().RunCycle(ctx)
		require.Equal(t, 3, snap.Len())
		for _, r := range snap.Results() {
			assert.Equal(t, api.HealthHealthy, r.Status, r.SystemID)
			assert.Equal(t, 200, r.StatusCode)
		}
		assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, fleet.Candidates())
	})

	t.Run("Route", func(t *testing.T) {
		seen := map[string]bool{}
		var picked []string
		for range 3 {
			id, err := fleet.Route("")
			require.NoError(t, err)
			seen[id] = true
			picked = append(picked, id)
		}
		assert.Len(t, seen, 3, "least connections spreads across idle systems")
		for _, id := range picked {
			fleet.Release(id)
		}
	})

	t.Run("Deploy", func(t *testing.T) {
		spec := api.AgentSpec{Name: "support", Model: "claude", Tools: []string{"search"}, IsActive: true}
		outcomes := fleet.Deploy(ctx, spec, []string{"alpha", "beta", "nope"}, false)
		require.Len(t, outcomes, 3)
		assert.Equal(t, api.DeploySuccess, outcomes[0].Status)
		assert.Equal(t, api.DeploySuccess, outcomes[1].Status)
		assert.Equal(t, api.DeployError, outcomes[2].Status)
		assert.Equal(t, outcomes[0].OperationID, outcomes[2].OperationID)

		assert.Len(t, remotes["alpha"].srv.Agents(), 1)
		assert.Len(t, remotes["beta"].srv.Agents(), 1)
		assert.Empty(t, remotes["gamma"].srv.Agents())

		dry := fleet.Deploy(ctx, spec, []string{"gamma"}, true)
		require.Len(t, dry, 1)
		assert.Equal(t, api.DeployDryRun, dry[0].Status)
		assert.Empty(t, remotes["gamma"].srv.Agents(), "dry run must not reach the system")
	})

	t.Run("Rollback", func(t *testing.T) {
		outcomes := fleet.Rollback(ctx, "support", []string{"alpha", "gamma"})
		require.Len(t, outcomes, 2)
		assert.Equal(t, api.DeploySuccess, outcomes[0].Status)
		assert.Equal(t, api.DeployError, outcomes[1].Status, "gamma never had the agent")
		assert.Empty(t, remotes["alpha"].srv.Agents())
	})

	t.Run("Sync", func(t *testing.T) {
		_, err := fleet.SyncConversation(ctx, "beta", "conv-1", map[string]any{"turn": 1, "lang": "en"})
		require.NoError(t, err)
		merged, err := fleet.SyncConversation(ctx, "beta", "conv-1", map[string]any{"turn": 2})
		require.NoError(t, err)
		assert.Equal(t, float64(2), merged["turn"])
		assert.Equal(t, "en", merged["lang"])

		_, err = fleet.SyncConversation(ctx, "missing", "conv-1", nil)
		assert.ErrorIs(t, err, core.ErrUnknownSystem)
	})

	t.Run("Draining", func(t *testing.T) {
		remotes["gamma"].srv.SetDraining(true)
		snap := fleet.Monitor().RunCycle(ctx)
		res, ok := snap.Get("gamma")
		require.True(t, ok)
		assert.Equal(t, api.HealthUnhealthy, res.Status)
		assert.NotContains(t, fleet.Candidates(), "gamma")

		for range 4 {
			id, err := fleet.Route("")
			require.NoError(t, err)
			assert.NotEqual(t, "gamma", id)
			fleet.Release(id)
		}

		remotes["gamma"].srv.SetDraining(false)
		fleet.Monitor().RunCycle(ctx)
		assert.Contains(t, fleet.Candidates(), "gamma")
	})

	t.Run("Unauthorized", func(t *testing.T) {
		bare, err := transport.NewPool(transport.Options{Timeout: time.Second})
		require.NoError(t, err)
		defer bare.Close()
		res := bare.DeployAgent(ctx, remotes["alpha"].http.URL, api.AgentSpec{Name: "x", Model: "m"})
		assert.False(t, res.Success)
		assert.Equal(t, 401, res.StatusCode)
	})

	t.Run("NoneAvailable", func(t *testing.T) {
		for _, r := range remotes {
			r.srv.SetDraining(true)
			defer r.srv.SetDraining(false)
		}
		fleet.Monitor().RunCycle(ctx)
		_, err := fleet.Route("conv-9")
		assert.ErrorIs(t, err, core.ErrNoAvailableSystem)
	})
}

// TestMonitorLoop checks that a started monitor publishes snapshots on its own
func TestMonitorLoop(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	remotes := startRemotes(t, "", "solo")
	pool, err := transport.NewPool(transport.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	fleet := core.NewManager(pool, core.Options{})
	require.NoError(t, fleet.Register(api.SystemConfig{ID: "solo", Address: remotes["solo"].http.URL, IsActive: true}))

	require.NoError(t, fleet.StartMonitoring(time.Hour))
	defer fleet.StopMonitoring()
	assert.ErrorIs(t, fleet.StartMonitoring(time.Hour), core.ErrMonitorRunning)

	require.Eventually(t, func() bool {
		return fleet.Snapshot().Cycle() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, api.HealthHealthy, fleet.Monitor().StatusOf("solo"))
}
