package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	core "github.com/3cpo-dev/switchyard/internal/core"
	"github.com/3cpo-dev/switchyard/internal/telemetry"
	"github.com/3cpo-dev/switchyard/internal/transport"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

// fleetEnv is everything a command needs to talk to the fleet.
type fleetEnv struct {
	cfg   core.Config
	pool  *transport.Pool
	store *core.SQLiteStore
	fleet *core.Manager
}

func (e *fleetEnv) Close() {
	e.fleet.StopMonitoring()
	e.pool.Close()
	if err := e.store.Close(); err != nil {
		log.Debug().Err(err).Msg("Close system store")
	}
}

// Resolve the config, open the store and register every known system
func resolveFleet(cmd *cobra.Command) (*fleetEnv, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.ManagerOptions()
	if err != nil {
		return nil, err
	}
	pool, err := transport.NewPool(cfg.Transport)
	if err != nil {
		return nil, err
	}
	store, err := openStorePath(cmd.Context(), cfg.Store.Path)
	if err != nil {
		pool.Close()
		return nil, err
	}
	fleet := core.NewManager(pool, opts)
	env := &fleetEnv{cfg: cfg, pool: pool, store: store, fleet: fleet}

	ctx := cmd.Context()
	for _, src := range []core.ConfigStore{core.NewStaticStore(cfg.Systems), store} {
		if _, err := fleet.Load(ctx, src); err != nil {
			env.Close()
			return nil, err
		}
	}
	return env, nil
}

func splitTargets(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Run the control plane until interrupted
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run health monitoring and the monitoring API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := resolveFleet(cmd)
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.cfg

			ctx := cmd.Context()
			collector := telemetry.InitGlobal(cfg.Telemetry)
			shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing)
			if err != nil {
				return err
			}
			perf := telemetry.NewPerformanceMonitor(collector, cfg.Telemetry.Enabled, 0)

			if addr, _ := cmd.Flags().GetString("monitoring-addr"); addr != "" {
				cfg.Telemetry.MonitoringAddr = addr
			}
			ms := telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, collector)
			ms.RegisterHealthCheck("runtime", telemetry.RuntimeHealthCheck)
			ms.RegisterHealthCheck("fleet", fleetHealthCheck(env.fleet))
			ms.SetFleetSource(func() any {
				return map[string]any{
					"health":   env.fleet.Snapshot(),
					"systems":  env.fleet.List(),
					"breakers": env.pool.BreakerStates(),
				}
			})
			go func() {
				if err := ms.Start(); err != nil {
					log.Error().Err(err).Msg("Monitoring server stopped")
				}
			}()

			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = cfg.Health.Interval
			}
			if err := env.fleet.StartMonitoring(interval); err != nil {
				return err
			}
			log.Info().
				Int("systems", len(env.fleet.List())).
				Str("strategy", env.fleet.Router().Strategy().String()).
				Dur("interval", interval).
				Str("monitoring", cfg.Telemetry.MonitoringAddr).
				Msg("Switchyard serving")

			<-ctx.Done()
			log.Info().Msg("Switchyard shutting down")

			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			env.fleet.StopMonitoring()
			if err := ms.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Monitoring server shutdown")
			}
			perf.Shutdown()
			if err := shutdownTracing(sctx); err != nil {
				log.Warn().Err(err).Msg("Tracing shutdown")
			}
			return telemetry.Shutdown(sctx)
		},
	}
	cmd.Flags().Duration("interval", 0, "health check interval (default from config)")
	cmd.Flags().String("monitoring-addr", "", "monitoring listen address (default from config)")
	return cmd
}

func fleetHealthCheck(fleet *core.Manager) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		start := time.Now()
		total := len(fleet.List())
		unhealthy := fleet.Monitor().UnhealthySystems()
		hc := telemetry.HealthCheck{
			Name:        "fleet",
			Status:      telemetry.HealthStatusHealthy,
			Message:     fmt.Sprintf("%d of %d systems unhealthy", len(unhealthy), total),
			LastChecked: time.Now(),
			Details:     map[string]string{"unhealthy": strings.Join(unhealthy, ",")},
		}
		switch {
		case total > 0 && len(unhealthy) == total:
			hc.Status = telemetry.HealthStatusUnhealthy
		case len(unhealthy) > 0:
			hc.Status = telemetry.HealthStatusDegraded
		}
		hc.Duration = time.Since(start)
		return hc
	}
}

// Manage the persisted system registry
func newSystemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "systems",
		Short: "Manage registered systems",
	}
	cmd.AddCommand(newSystemsLsCmd(), newSystemsAddCmd(), newSystemsRmCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (*core.SQLiteStore, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return openStorePath(cmd.Context(), cfg.Store.Path)
}

// openStorePath opens the sqlite store and checks it answers.
func openStorePath(ctx context.Context, path string) (*core.SQLiteStore, error) {
	store, err := core.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newSystemsLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List systems in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			cfgs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENV\tADDRESS\tREGION\tPRIORITY\tWEIGHT\tACTIVE")
			for _, c := range cfgs {
				weight := "-"
				if c.Weight != nil {
					weight = fmt.Sprint(c.EffectiveWeight())
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%t\n", c.ID, c.Environment, c.Address, c.Region, c.Priority, weight, c.IsActive)
			}
			return tw.Flush()
		},
	}
}

func newSystemsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a system in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			address, _ := cmd.Flags().GetString("address")
			envName, _ := cmd.Flags().GetString("env")
			region, _ := cmd.Flags().GetString("region")
			priority, _ := cmd.Flags().GetInt("priority")
			inactive, _ := cmd.Flags().GetBool("inactive")
			maxConv, _ := cmd.Flags().GetInt("max-conversations")
			maxRT, _ := cmd.Flags().GetDuration("max-response-time")

			env, err := api.ParseEnvironment(envName)
			if err != nil {
				return err
			}
			cfg := api.SystemConfig{
				ID:              id,
				Name:            name,
				Environment:     env,
				Address:         address,
				Region:          region,
				Priority:        priority,
				IsActive:        !inactive,
				MaxResponseTime: maxRT,
				Capabilities:    api.Capabilities{MaxConcurrentConversations: maxConv},
			}
			if cmd.Flags().Changed("weight") {
				w, _ := cmd.Flags().GetInt("weight")
				cfg.Weight = &w
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Put(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored system %s\n", id)
			return nil
		},
	}
	cmd.Flags().String("id", "", "system id")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("address", "", "base URL of the system")
	cmd.Flags().String("env", "production", "environment: production, staging, development, testing")
	cmd.Flags().String("region", "", "region tag")
	cmd.Flags().Int("priority", 0, "priority, lower is preferred")
	cmd.Flags().Int("weight", 0, "explicit weight under weighted routing (default derived from priority)")
	cmd.Flags().Int("max-conversations", 0, "concurrent conversation limit (0 for unlimited)")
	cmd.Flags().Duration("max-response-time", 0, "probe latency above which the system counts as unhealthy")
	cmd.Flags().Bool("inactive", false, "store the system as inactive")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func newSystemsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a system from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed system %s\n", args[0])
			return nil
		},
	}
}

// Probe every system once
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every system once and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := resolveFleet(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			snap := env.fleet.Monitor().RunCycle(cmd.Context())
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SYSTEM\tSTATUS\tCODE\tLATENCY\tERROR")
			for _, r := range snap.Results() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.SystemID, r.Status, r.StatusCode, r.ResponseTime.Round(time.Millisecond), r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print the snapshot as JSON")
	return cmd
}

// Pick a target system
func newRouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Probe the fleet once and select a target for a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			env, err := resolveFleet(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			env.fleet.Monitor().RunCycle(cmd.Context())
			id, err := env.fleet.Route(key)
			if err != nil {
				return err
			}
			defer env.fleet.Release(id)
			rec, err := env.fleet.Get(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, rec.Config.Address)
			return nil
		},
	}
	cmd.Flags().String("key", "", "conversation key used by sticky_hash routing")
	return cmd
}

func printOutcomes(cmd *cobra.Command, outcomes []core.Outcome) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYSTEM\tSTATUS\tDURATION\tMESSAGE")
	failed := 0
	for _, o := range outcomes {
		if o.Status == api.DeployError {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.SystemID, o.Status, o.Duration.Round(time.Millisecond), o.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(outcomes))
	}
	return nil
}

func targetsOrAll(env *fleetEnv, flag string) []string {
	if targets := splitTargets(flag); len(targets) > 0 {
		return targets
	}
	var all []string
	for _, r := range env.fleet.List() {
		all = append(all, r.ID())
	}
	return all
}

// Deploy an agent configuration
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an agent spec to target systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath, _ := cmd.Flags().GetString("spec")
			targetsFlag, _ := cmd.Flags().GetString("targets")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			content, err := os.ReadFile(specPath)
			if err != nil {
				return fmt.Errorf("read agent spec: %w", err)
			}
			var spec api.AgentSpec
			if err := yaml.Unmarshal(content, &spec); err != nil {
				return fmt.Errorf("parse agent spec: %w", err)
			}

			env, err := resolveFleet(cmd)
			if err != nil {
				return err
			}
			defer env.Close()
			outcomes := env.fleet.Deploy(cmd.Context(), spec, targetsOrAll(env, targetsFlag), dryRun)
			return printOutcomes(cmd, outcomes)
		},
	}
	cmd.Flags().String("spec", "", "agent spec file (yaml or json)")
	cmd.Flags().String("targets", "", "comma separated system ids (default all registered)")
	cmd.Flags().Bool("dry-run", false, "validate without contacting the systems")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

// Roll an agent back
func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Remove an agent from target systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentName, _ := cmd.Flags().GetString("agent")
			targetsFlag, _ := cmd.Flags().GetString("targets")
			env, err := resolveFleet(cmd)
			if err != nil {
				return err
			}
			defer env.Close()
			outcomes := env.fleet.Rollback(cmd.Context(), agentName, targetsOrAll(env, targetsFlag))
			return printOutcomes(cmd, outcomes)
		},
	}
	cmd.Flags().String("agent", "", "agent name")
	cmd.Flags().String("targets", "", "comma separated system ids (default all registered)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// Push conversation state to one system
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate conversation state to a system",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			conversation, _ := cmd.Flags().GetString("conversation")
			statePath, _ := cmd.Flags().GetString("state")

			state := map[string]any{}
			if statePath != "" {
				content, err := os.ReadFile(statePath)
				if err != nil {
					return fmt.Errorf("read state: %w", err)
				}
				if err := yaml.Unmarshal(content, &state); err != nil {
					return fmt.Errorf("parse state: %w", err)
				}
			}

			env, err := resolveFleet(cmd)
			if err != nil {
				return err
			}
			defer env.Close()
			merged, err := env.fleet.SyncConversation(cmd.Context(), target, conversation, state)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(merged)
		},
	}
	cmd.Flags().String("target", "", "system id")
	cmd.Flags().String("conversation", "", "conversation id")
	cmd.Flags().String("state", "", "state file (yaml or json)")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}
