package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	root.SetContext(context.Background())
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "switchyard "+version) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSystemsLifecycle(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := run(t, "systems", "add", "--id", "eu-1", "--address", "http://eu-1.test", "--env", "staging", "--weight", "3"); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, err := run(t, "systems", "ls")
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if !strings.Contains(out, "eu-1") || !strings.Contains(out, "staging") {
		t.Fatalf("ls output %q", out)
	}

	if _, err := run(t, "systems", "add", "--id", "us-1", "--address", "http://us-1.test", "--priority", "2"); err != nil {
		t.Fatalf("add without weight: %v", err)
	}
	out, _ = run(t, "systems", "ls")
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Region is empty, so weight is the second to last column.
		weight := fields[len(fields)-2]
		switch fields[0] {
		case "eu-1":
			if weight != "3" {
				t.Fatalf("eu-1 weight %q", weight)
			}
		case "us-1":
			if weight != "-" {
				t.Fatalf("us-1 weight %q, want priority-derived", weight)
			}
		}
	}

	if _, err := run(t, "systems", "add", "--id", "bad", "--address", "not a url"); err == nil {
		t.Fatal("expected invalid address to be rejected")
	}

	if _, err := run(t, "systems", "rm", "eu-1"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if _, err := run(t, "systems", "rm", "eu-1"); err == nil {
		t.Fatal("expected error removing unknown system")
	}
}

func TestRouteWithoutSystems(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := run(t, "route", "--key", "conv-1"); err == nil || !strings.Contains(err.Error(), "no available system") {
		t.Fatalf("expected no available system, got %v", err)
	}
}

func TestSplitTargets(t *testing.T) {
	got := splitTargets(" a, ,b ,c")
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("split %v", got)
	}
	if splitTargets("") != nil {
		t.Fatal("empty input should give nil")
	}
}

func TestOpenStorePath(t *testing.T) {
	store, err := openStorePath(context.Background(), filepath.Join(t.TempDir(), "nested", "switchyard.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := openStorePath(context.Background(), filepath.Join(blocker, "switchyard.db")); err == nil {
		t.Fatal("expected error opening a store below a regular file")
	}
}
