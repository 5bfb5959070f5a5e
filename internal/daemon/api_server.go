package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentcrew/internal/api"
	"agentcrew/internal/config"
	"agentcrew/internal/faults"
	"agentcrew/internal/logging"
	"agentcrew/internal/run"
	"agentcrew/internal/store"
	"agentcrew/internal/trigger"
)

const (
	maxBodyBytes     = 1 << 20
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	token := cfg.Paths.APIToken
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pipeline/trigger", authMiddleware(token, srv.handleTrigger))
	mux.HandleFunc("POST /pipeline/resume", authMiddleware(token, srv.handleResume))
	mux.HandleFunc("POST /pipeline/stop", authMiddleware(token, srv.handleStop))
	mux.HandleFunc("GET /pipeline/checkpoints", authMiddleware(token, srv.handleCheckpoints))
	mux.HandleFunc("GET /pipeline/health", authMiddleware(token, srv.handleHealth))
	mux.HandleFunc("GET /pipeline/agents", authMiddleware(token, srv.handleAgents))
	mux.HandleFunc("GET /pipeline/runs", authMiddleware(token, srv.handleRuns))
	mux.HandleFunc("GET /pipeline/runs/{id}", authMiddleware(token, srv.handleRun))
	mux.HandleFunc("GET /pipeline/events", authMiddleware(token, d.hub.ServeHTTP))
	mux.HandleFunc("GET /healthz", srv.handleLiveness)
	if d.metrics != nil {
		mux.HandleFunc("GET /metrics", authMiddleware(token, d.metrics.Handler().ServeHTTP))
	}

	srv.handler = requestMiddleware(srv.logger, d.metrics, mux)
	srv.server = &http.Server{
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return errors.New("paths.api_bind is empty")
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// address returns the bound listener address, or the configured bind before
// the server starts.
func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.bind
}

func (s *apiServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeFault(w, r, faults.Wrap(faults.ErrInvalidInput, "api", "trigger", "read request body", err))
		return
	}
	req, err := trigger.Decode(body)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	accepted, err := s.daemon.gateway.Accept(req)
	if err != nil {
		if errors.Is(err, faults.ErrRateLimited) {
			w.Header().Set("Retry-After", retryAfterSeconds(s.daemon.gateway.RetryAfter()))
		}
		s.writeFault(w, r, err)
		return
	}
	id, err := s.daemon.controller.Trigger(r.Context(), accepted)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.TriggerResponse{PipelineID: id})
}

func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodePipelineID(w, r, "resume")
	if !ok {
		return
	}
	if err := s.daemon.controller.Resume(r.Context(), id); err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *apiServer) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodePipelineID(w, r, "stop")
	if !ok {
		return
	}
	if err := s.daemon.controller.Stop(r.Context(), id); err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *apiServer) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.daemon.controller.Checkpoints().ListAll(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CheckpointsResponse{Checkpoints: api.FromCheckpoints(cps)})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	aggregator := s.daemon.controller.Health()
	records := aggregator.CheckAll(r.Context())
	kinds := make(map[string]string)
	for _, svc := range aggregator.Services() {
		kinds[svc.ID] = svc.Kind
	}
	for _, rec := range records {
		s.daemon.metrics.RecordService(rec.ID, rec.Healthy())
	}
	s.writeJSON(w, http.StatusOK, api.FromHealth(records, kinds))
}

func (s *apiServer) handleAgents(w http.ResponseWriter, _ *http.Request) {
	cards := s.daemon.controller.Catalog().Cards()
	s.writeJSON(w, http.StatusOK, api.AgentsResponse{Agents: api.FromCards(cards)})
}

func (s *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{Limit: defaultRunsLimit}
	for _, value := range r.URL.Query()["status"] {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			status, ok := run.ParseStatus(trimmed)
			if !ok {
				s.writeFault(w, r, faults.Wrap(faults.ErrInvalidInput, "api", "runs", fmt.Sprintf("unknown status %q", trimmed), nil))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeFault(w, r, faults.Wrap(faults.ErrInvalidInput, "api", "runs", "limit must be a positive integer", nil))
			return
		}
		opts.Limit = min(limit, maxRunsLimit)
	}

	runs, err := s.daemon.controller.List(r.Context(), opts)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RunsResponse{Runs: api.FromRuns(runs)})
}

func (s *apiServer) handleRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	found, err := s.daemon.controller.Get(r.Context(), id)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RunResponse{Run: api.FromRun(found)})
}

func (s *apiServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"activeRuns": len(s.daemon.controller.Active()),
	})
}

func (s *apiServer) decodePipelineID(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	var req api.PipelineRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeFault(w, r, faults.Wrap(faults.ErrInvalidInput, "api", op, "malformed request body", err))
		return "", false
	}
	id := strings.TrimSpace(req.PipelineID)
	if id == "" {
		s.writeFault(w, r, faults.Wrap(faults.ErrInvalidInput, "api", op, "pipelineId is required", nil))
		return "", false
	}
	return id, true
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

// writeFault maps a classified error onto its HTTP status and error body.
func (s *apiServer) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := faults.Details(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_error",
			logging.String("route", r.Pattern),
			logging.String(logging.FieldErrorKind, string(detail.Kind)),
			logging.Error(err),
		)
	}
	resp := api.ErrorResponse{Error: err.Error(), Kind: string(detail.Kind)}
	if detail.Kind != faults.KindUnknown {
		resp.Hint = detail.Hint
	}
	s.writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, faults.ErrInvalidInput), errors.Is(err, faults.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrCheckpointMismatch):
		return http.StatusConflict
	case errors.Is(err, faults.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
