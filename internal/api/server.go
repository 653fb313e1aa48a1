// Package api serves the orchestrator's HTTP surface: Prometheus metrics,
// a health endpoint and a small JSON API over devices and scripts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/scheduler"
	"github.com/eliteGoblin/devorch/internal/script"
	"github.com/eliteGoblin/devorch/internal/usecase"
)

// Orchestrator is the device manager as seen by the API.
type Orchestrator interface {
	GetAllDeviceStatus() []usecase.Device
	GetScriptStatus(scriptID string) (usecase.ScriptState, error)
	StartScript(ctx context.Context, scriptID string) error
	StopScript(ctx context.Context, scriptID string) error
	Stats() usecase.Stats
}

// SchedulerView is the scheduler as seen by the API.
type SchedulerView interface {
	Status() scheduler.Status
	Stats() scheduler.Stats
	Queue() *scheduler.TaskQueue
}

var (
	_ Orchestrator  = (*usecase.DeviceManager)(nil)
	_ SchedulerView = (*scheduler.Scheduler)(nil)
)

// Server routes HTTP requests to the orchestrator.
type Server struct {
	addr      string
	orch      Orchestrator
	scheduler SchedulerView // nil omits scheduler numbers from /api/v1/stats
	router    *mux.Router
	logger    *zap.Logger
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, orch Orchestrator, sched SchedulerView, logger *zap.Logger) *Server {
	s := &Server{
		addr:      addr,
		orch:      orch,
		scheduler: sched,
		router:    mux.NewRouter(),
		logger:    logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	v1.HandleFunc("/scripts/{id}", s.getScript).Methods(http.MethodGet)
	v1.HandleFunc("/scripts/{id}/start", s.startScript).Methods(http.MethodPost)
	v1.HandleFunc("/scripts/{id}/stop", s.stopScript).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown failed", zap.Error(err))
		}
		return ctx.Err()
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := s.orch.Stats()
	resp := healthResponse{
		Status:        "ok",
		Devices:       st.TotalDevices,
		OnlineDevices: st.OnlineDevices,
	}
	if s.scheduler != nil {
		resp.Scheduler = string(s.scheduler.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.orch.GetAllDeviceStatus()
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getScript(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.orch.GetScriptStatus(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scriptResponse{
		ScriptID:  id,
		DeviceID:  st.DeviceID,
		Status:    string(st.Status),
		Error:     st.Error,
		UpdatedAt: st.UpdatedAt,
	})
}

func (s *Server) startScript(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.StartScript(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("script start requested over http", zap.String("script_id", id))
	writeJSON(w, http.StatusAccepted, actionResponse{ScriptID: id, Action: "start"})
}

func (s *Server) stopScript(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.StopScript(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("script stop requested over http", zap.String("script_id", id))
	writeJSON(w, http.StatusAccepted, actionResponse{ScriptID: id, Action: "stop"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	st := s.orch.Stats()
	resp := statsResponse{
		Devices: poolStats{
			Total:       st.TotalDevices,
			Online:      st.OnlineDevices,
			Running:     st.RunningDevices,
			Scripts:     st.TotalScripts,
			LoadPercent: st.LoadPercent,
		},
	}
	if s.scheduler != nil {
		ss := s.scheduler.Stats()
		qs := s.scheduler.Queue().Stats()
		resp.Scheduler = &schedulerStats{
			Status:                 string(s.scheduler.Status()),
			UptimeSeconds:          int64(ss.Uptime / time.Second),
			TotalScheduledTasks:    ss.TotalScheduledTasks,
			SuccessfulTasks:        ss.SuccessfulTasks,
			FailedTasks:            ss.FailedTasks,
			AverageExecutionTimeMs: ss.AverageExecutionTimeMs,
			Pending:                qs.Pending,
			Running:                qs.Running,
			CompletedToday:         qs.CompletedToday,
			FailedToday:            qs.FailedToday,
			LoadPercent:            qs.LoadPercent,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps orchestrator errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, script.ErrScriptNotFound),
		errors.Is(err, usecase.ErrScriptNotAssigned),
		errors.Is(err, usecase.ErrDeviceNotFound):
		code = http.StatusNotFound
	case errors.Is(err, usecase.ErrDeviceBusy):
		code = http.StatusConflict
	case errors.Is(err, usecase.ErrDeviceOffline):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Warn("api request failed", zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
