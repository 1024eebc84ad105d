package agent

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/switchyard/internal/telemetry"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

// TokenEnv enables bearer token auth on the mutating routes.
const TokenEnv = "SWITCHYARD_AGENT_TOKEN"

// Server is a reference remote system. It keeps deployed agents and
// conversation state in memory.
type Server struct {
	Version string
	// Token, when set, is required as a bearer token on every route but /health.
	Token string
	// Capabilities, when set, restrict which agents can be deployed.
	Capabilities api.Capabilities

	mu            sync.RWMutex
	agents        map[string]api.AgentSpec
	conversations map[string]map[string]any
	draining      atomic.Bool

	srv *http.Server
}

// NewServer creates a server with the token taken from the environment.
func NewServer(version string) *Server {
	return &Server{
		Version: version,
		Token:   os.Getenv(TokenEnv),
	}
}

// SetDraining makes /health answer 503 so the control plane stops routing here.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

// Agents returns the deployed agents sorted by name.
func (s *Server) Agents() []api.AgentSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.AgentSpec, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Conversation returns a copy of the stored state of one conversation.
func (s *Server) Conversation(id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.conversations[id]
	return maps.Clone(st), ok
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.Handle("GET "+RouteHealth, instrument(RouteHealth, http.HandlerFunc(s.handleHealth)))
	mux.Handle("POST "+RouteDeploy, instrument(RouteDeploy, s.auth(http.HandlerFunc(s.handleDeploy))))
	mux.Handle("POST "+RouteRollback, instrument(RouteRollback, s.auth(http.HandlerFunc(s.handleRollback))))
	mux.Handle("POST "+RouteSync, instrument(RouteSync, s.auth(http.HandlerFunc(s.handleSync))))
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			auth := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if auth != "Bearer "+s.Token && x != s.Token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		telemetry.RecordAgentRequest(route, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining", "error": "draining"})
		return
	}
	s.mu.RLock()
	n := len(s.agents)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, api.HealthReport{
		Status:  "ok",
		Time:    time.Now(),
		Host:    r.Host,
		Version: s.Version,
		Agents:  n,
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var spec api.AgentSpec
	if err := decode(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := spec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.supports(spec); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "%v", err)
		return
	}

	s.mu.Lock()
	if s.agents == nil {
		s.agents = map[string]api.AgentSpec{}
	}
	_, replacing := s.agents[spec.Name]
	if limit := s.Capabilities.MaxAgents; limit > 0 && !replacing && len(s.agents) >= limit {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "agent capacity %d reached", limit)
		return
	}
	s.agents[spec.Name] = spec
	s.mu.Unlock()

	verb := "deployed"
	if replacing {
		verb = "updated"
	}
	log.Info().Str("agent", spec.Name).Str("model", spec.Model).Bool("replaced", replacing).Msg("Agent deployed")
	writeJSON(w, http.StatusOK, api.MessageResponse{
		Message: fmt.Sprintf("agent %s %s", spec.Name, verb),
		Agent:   spec.Name,
	})
}

func (s *Server) supports(spec api.AgentSpec) error {
	caps := s.Capabilities
	if len(caps.SupportedModels) > 0 && !slices.Contains(caps.SupportedModels, spec.Model) {
		return fmt.Errorf("unsupported model %s", spec.Model)
	}
	for _, t := range spec.Tools {
		if len(caps.AvailableTools) > 0 && !slices.Contains(caps.AvailableTools, t) {
			return fmt.Errorf("unavailable tool %s", t)
		}
	}
	for _, g := range spec.Guardrails {
		if len(caps.AvailableGuardrails) > 0 && !slices.Contains(caps.AvailableGuardrails, g) {
			return fmt.Errorf("unavailable guardrail %s", g)
		}
	}
	return nil
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req api.RollbackRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	name := strings.TrimSpace(req.AgentName)
	if name == "" {
		writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}

	s.mu.Lock()
	_, ok := s.agents[name]
	delete(s.agents, name)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "agent %s is not deployed", name)
		return
	}

	log.Info().Str("agent", name).Msg("Agent rolled back")
	writeJSON(w, http.StatusOK, api.MessageResponse{
		Message: fmt.Sprintf("agent %s rolled back", name),
		Agent:   name,
	})
}

// handleSync merges the posted keys over the stored state and returns the result.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req api.SyncRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	s.mu.Lock()
	if s.conversations == nil {
		s.conversations = map[string]map[string]any{}
	}
	st := s.conversations[req.ConversationID]
	if st == nil {
		st = map[string]any{}
		s.conversations[req.ConversationID] = st
	}
	maps.Copy(st, req.State)
	merged := maps.Clone(st)
	s.mu.Unlock()

	log.Debug().Str("conversation", req.ConversationID).Int("keys", len(merged)).Msg("Conversation state synced")
	writeJSON(w, http.StatusOK, api.SyncResponse{ConversationID: req.ConversationID, State: merged})
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
