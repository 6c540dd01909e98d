package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"commguard/internal/audit"
	"commguard/internal/config"
	"commguard/internal/engine"
	"commguard/internal/metrics"
	"commguard/internal/model"
	"commguard/internal/storage"
)

// EngineControl is the slice of the engine the operational API drives.
type EngineControl interface {
	UpdateConfig(cfg *config.Config)
	RefreshPolicies(ctx context.Context) error
	Started() time.Time
}

type Server struct {
	cfg     *config.Manager
	store   storage.Store
	metrics *metrics.Store
	trail   *audit.Trail
	engine  EngineControl
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	Uptime     string           `json:"uptime"`
	ConfigPath string           `json:"config_path"`
	Ingest     ingestStatus     `json:"ingest"`
	Dispatcher dispatcherStatus `json:"dispatcher"`
	Counters   map[string]int64 `json:"counters"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type dispatcherStatus struct {
	PollInterval string `json:"poll_interval"`
	Workers      int    `json:"workers"`
	MaxRetries   int    `json:"max_retries"`
}

func Start(ctx context.Context, cfg *config.Manager, store storage.Store, metricsStore *metrics.Store, trail *audit.Trail, eng EngineControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:     cfg,
		store:   store,
		metrics: metricsStore,
		trail:   trail,
		engine:  eng,
		logger:  logger,
		version: version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/metrics", server.handleMetrics)
	mux.HandleFunc("/violations", server.handleViolations)
	mux.HandleFunc("/violations/", server.handleViolation)
	mux.HandleFunc("/executions", server.handleExecutions)
	mux.HandleFunc("/policies", server.handlePolicies)
	mux.HandleFunc("/policies/delete", server.handlePolicyDelete)
	mux.HandleFunc("/audit", server.handleAudit)
	mux.HandleFunc("/admin/clear", server.handleClear)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	uptime := ""
	if s.engine != nil {
		uptime = time.Since(s.engine.Started()).Round(time.Second).String()
	}
	var counters map[string]int64
	if s.metrics != nil {
		counters = s.metrics.Snapshot()
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		Uptime:     uptime,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		Dispatcher: dispatcherStatus{
			PollInterval: cfg.Dispatcher.PollInterval.String(),
			Workers:      cfg.Dispatcher.Workers,
			MaxRetries:   cfg.Dispatcher.MaxRetries,
		},
		Counters: counters,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counters := s.metrics.Snapshot()
	out := make(map[string]any, len(counters))
	for name, value := range counters {
		entry := map[string]any{"value": value}
		if ts, ok := s.metrics.UpdatedAt(name); ok {
			entry["updated_at"] = ts.Format(time.RFC3339Nano)
		}
		out[name] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": out,
		"count":    len(out),
	})
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 100)
	list, err := s.store.ListViolations(r.Context(), limit)
	if err != nil {
		s.storeError(w, "list violations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": list,
		"count":      len(list),
	})
}

// handleViolation serves /violations/{id} and /violations/{id}/executions.
func (s *Server) handleViolation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/violations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch sub {
	case "":
		v, err := s.store.GetViolation(r.Context(), id)
		if err != nil {
			s.storeError(w, "get violation", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	case "executions":
		list, err := s.store.ListExecutionsByViolation(r.Context(), id)
		if err != nil {
			s.storeError(w, "list executions", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"executions": list,
			"count":      len(list),
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := model.ExecutionStatus(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", model.ExecutionPending, model.ExecutionRunning, model.ExecutionSucceeded, model.ExecutionFailed:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 100)
	list, err := s.store.ListExecutions(r.Context(), status, limit)
	if err != nil {
		s.storeError(w, "list executions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": list,
		"count":      len(list),
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListPolicies(r.Context())
		if err != nil {
			s.storeError(w, "list policies", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"policies": list,
			"count":    len(list),
		})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var p model.Policy
		if err := json.Unmarshal(body, &p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		p = engine.NormalizePolicy(p, uuid.NewString)
		if err := engine.ValidatePolicy(p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := s.store.UpsertPolicy(r.Context(), p); err != nil {
			s.storeError(w, "upsert policy", err)
			return
		}
		if s.engine != nil {
			if err := s.engine.RefreshPolicies(r.Context()); err != nil {
				s.storeError(w, "refresh policies", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": p.ID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePolicyDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &req)
	if strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	if err := s.store.DeletePolicy(r.Context(), req.ID); err != nil {
		s.storeError(w, "delete policy", err)
		return
	}
	if s.engine != nil {
		if err := s.engine.RefreshPolicies(r.Context()); err != nil {
			s.storeError(w, "refresh policies", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 0)
	sinceStr := r.URL.Query().Get("since")
	var list []audit.Entry
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.trail.Since(ts)
	} else {
		list = s.trail.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": list,
		"count":   len(list),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.metrics != nil {
			s.metrics.Clear()
		}
		if s.trail != nil {
			s.trail.Clear()
		}
	case "audit":
		if s.trail != nil {
			s.trail.Clear()
		}
	case "metrics":
		if s.metrics != nil {
			s.metrics.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if s.logger != nil {
		s.logger.Error("api storage error", "op", op, "err", err)
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
