// Package api is the local control surface: mode switching, status,
// transition history, and the websocket event stream consumed by the
// portal frontend.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/egress/internal/audit"
	"grimm.is/egress/internal/brand"
	"grimm.is/egress/internal/clock"
	"grimm.is/egress/internal/engine"
	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/health"
	"grimm.is/egress/internal/logging"
	"grimm.is/egress/internal/metrics"
	"grimm.is/egress/internal/modes"
	"grimm.is/egress/internal/netinfo"
	"grimm.is/egress/internal/services"
)

// HistoryStore serves the transition history endpoint.
type HistoryStore interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// IPLookup resolves the public egress address.
type IPLookup interface {
	EgressIP(ctx context.Context) (netinfo.EgressIP, error)
}

// Server is the HTTP control surface. All state mutation goes through
// the engine; the server itself is stateless.
type Server struct {
	engine  *engine.Engine
	hub     *events.Hub
	checker *health.Checker
	history HistoryStore
	lookup  IPLookup
	logger  *logging.Logger

	mux  *http.ServeMux
	http *http.Server
}

// ServerOptions wires the server's collaborators. History and Lookup
// may be nil; their endpoints then answer 503.
type ServerOptions struct {
	Listen  string
	Engine  *engine.Engine
	Hub     *events.Hub
	Checker *health.Checker
	History HistoryStore
	Lookup  IPLookup
	Logger  *logging.Logger
}

// NewServer creates the control surface listening on opts.Listen.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	s := &Server{
		engine:  opts.Engine,
		hub:     opts.Hub,
		checker: opts.Checker,
		history: opts.History,
		lookup:  opts.Lookup,
		logger:  logger.WithComponent("api"),
	}
	s.initRoutes()
	s.http = &http.Server{
		Addr:         opts.Listen,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("GET /api/v1/status", s.instrument("/api/v1/status", s.handleStatus))
	mux.HandleFunc("GET /api/v1/modes", s.instrument("/api/v1/modes", s.handleModes))
	mux.HandleFunc("POST /api/v1/mode/{name}", s.instrument("/api/v1/mode", s.handleSetMode))
	mux.HandleFunc("GET /api/v1/transitions", s.instrument("/api/v1/transitions", s.handleTransitions))
	mux.HandleFunc("GET /api/v1/egress-ip", s.instrument("/api/v1/egress-ip", s.handleEgressIP))
	mux.HandleFunc("POST /api/v1/alarm/clear", s.instrument("/api/v1/alarm/clear", s.handleClearAlarm))
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	if s.checker != nil {
		mux.HandleFunc("GET /healthz", s.checker.Handler())
		mux.HandleFunc("GET /readyz", s.checker.ReadinessHandler())
	}
	mux.HandleFunc("GET /livez", health.LivenessHandler())
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// instrument wraps a handler with request counting and latency metrics.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)

		m := metrics.Get()
		m.APIRequests.WithLabelValues(path, strconv.Itoa(sw.status)).Inc()
		m.APILatency.WithLabelValues(path).Observe(clock.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()

	svcStatus := make(map[string]services.Status)
	if desc, err := s.engine.Registry().Describe(st.Current); err == nil {
		for _, name := range desc.RequiredUp {
			svcStatus[name] = s.engine.Probe(r.Context(), name)
		}
	}

	WriteJSON(w, http.StatusOK, StatusResponse{
		Mode:           st.Current.String(),
		PreviousMode:   st.Previous.String(),
		InFlight:       st.InFlight,
		RollbackFailed: st.RollbackFailed,
		LastError:      st.LastError,
		Services:       svcStatus,
		Version:        brand.Version,
	})
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	current := s.engine.Current()
	var out []ModeResponse
	for _, m := range s.engine.Registry().Modes() {
		desc, err := s.engine.Registry().Describe(m)
		if err != nil {
			continue
		}
		out = append(out, ModeResponse{
			Name:         m.String(),
			Ruleset:      desc.Ruleset,
			DNSTarget:    desc.DNSTarget,
			DNSSEC:       string(desc.DNSSEC),
			RequiredUp:   desc.RequiredUp,
			RequiredDown: desc.RequiredDown,
			Active:       m == current,
		})
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	target, err := modes.Parse(name)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "unknown_mode"})
		return
	}
	if !s.engine.Registry().Registered(target) {
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "mode not configured: " + name, Kind: "unknown_mode",
		})
		return
	}

	req := engine.NewRequest(target, engine.TriggerAPI)
	err = s.engine.Transition(r.Context(), req)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, TransitionResponse{Status: "ok", Mode: target.String()})
	case errors.Is(err, engine.ErrBusy):
		WriteJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: "busy"})
	default:
		resp := ErrorResponse{Error: err.Error(), Kind: "transition_failed"}
		var terr *engine.TransitionError
		if errors.As(err, &terr) {
			resp.Phase = string(terr.Phase)
		}
		var rbErr *engine.RollbackError
		if errors.As(err, &rbErr) {
			resp.Kind = "rollback_failed"
			resp.Phase = string(engine.PhaseRollback)
		}
		WriteJSON(w, http.StatusBadGateway, resp)
	}
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		WriteError(w, http.StatusServiceUnavailable, "transition history not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEgressIP(w http.ResponseWriter, r *http.Request) {
	if s.lookup == nil {
		WriteError(w, http.StatusServiceUnavailable, "egress lookup not enabled")
		return
	}

	result, err := s.lookup.EgressIP(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, "lookup failed", err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleClearAlarm(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearAlarm()
	WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
