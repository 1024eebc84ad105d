package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/switchyard/internal/agent"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8088", "listen address")
	models := flag.String("models", "", "comma separated supported models (empty accepts any)")
	tools := flag.String("tools", "", "comma separated available tools (empty accepts any)")
	guardrails := flag.String("guardrails", "", "comma separated available guardrails (empty accepts any)")
	maxAgents := flag.Int("max-agents", 0, "maximum deployed agents (0 for unlimited)")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	srv := agent.NewServer(version)
	srv.Capabilities = api.Capabilities{
		MaxAgents:           *maxAgents,
		SupportedModels:     splitList(*models),
		AvailableTools:      splitList(*tools),
		AvailableGuardrails: splitList(*guardrails),
	}
	tlsCfg := agent.LoadMTLSConfig()

	go func() {
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS(*addr, tlsCfg)
		} else {
			log.Info().Str("addr", *addr).Msg("switchyard-agent listening")
			err = srv.ListenAndServe(*addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Agent server failed")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Info().Msg("switchyard-agent shutting down")
	srv.SetDraining(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
