// Package server mounts the narrow operator HTTP surface (§6, additive
// and ambient): process liveness, Prometheus metrics, and a read-only
// task-pointer dump for debugging. It never accepts a write.
//
// Grounded on the teacher's pkg/server/http.go (chi router, health
// endpoint shape) and pkg/observability's Prometheus registration
// pattern, rebuilt against this module's own subsystems instead of the
// teacher's agent runtime.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/task"
)

var log = obslog.For("server")

// Metrics are the Prometheus collectors this module exposes at
// /metrics. They are package-level so every subsystem that wants to
// record a value can import this package without a Server reference.
var Metrics = struct {
	SchedulerTicks   prometheus.Counter
	SelfDrivePrompts prometheus.Counter
	A2AFlowsActive   prometheus.Gauge
	A2AFlowsFailed   prometheus.Counter
}{
	SchedulerTicks: promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_scheduler_ticks_total",
		Help: "Number of continuation-scheduler ticks run across all agents.",
	}),
	SelfDrivePrompts: promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_selfdrive_prompts_total",
		Help: "Number of self-drive nudges sent to the embedded agent driver.",
	}),
	A2AFlowsActive: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_a2a_flows_active",
		Help: "Number of A2AFlow runs currently in progress.",
	}),
	A2AFlowsFailed: promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_a2a_flows_failed_total",
		Help: "Number of A2AFlow runs that ended in a top-level error.",
	}),
}

// LastTickProvider reports the last time each subsystem made forward
// progress, keyed by subsystem name, for the health endpoint.
type LastTickProvider func() map[string]time.Time

// Server is the health/metrics/debug HTTP surface.
type Server struct {
	Addr       string
	HealthPath string
	MetricPath string

	Tasks     *task.Store
	AgentIDs  []string
	StartedAt time.Time
	LastTick  LastTickProvider

	httpServer *http.Server
}

// Router builds the chi mux. Exported separately from ListenAndServe so
// tests can exercise routes with httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(s.healthPath(), s.handleHealthz)
	r.Get(s.metricPath(), promhttp.Handler().ServeHTTP)
	r.Get("/debug/tasks", s.handleDebugTasks)

	return r
}

func (s *Server) healthPath() string {
	if s.HealthPath == "" {
		return "/healthz"
	}
	return s.HealthPath
}

func (s *Server) metricPath() string {
	if s.MetricPath == "" {
		return "/metrics"
	}
	return s.MetricPath
}

type healthStatus struct {
	OK        bool               `json:"ok"`
	UptimeSec float64            `json:"uptimeSec"`
	LastTick  map[string]float64 `json:"lastTickAgeSec"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthStatus{
		OK:        true,
		UptimeSec: time.Since(s.StartedAt).Seconds(),
		LastTick:  map[string]float64{},
	}
	if s.LastTick != nil {
		now := time.Now()
		for subsystem, ts := range s.LastTick() {
			resp.LastTick[subsystem] = now.Sub(ts).Seconds()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type taskPointerView struct {
	AgentID string  `json:"agentId"`
	TaskID  *string `json:"taskId,omitempty"`
	Status  *string `json:"status,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// handleDebugTasks reports, under the requested agent id (or each known
// agent id if none is specified), the task store's current active task.
// The store is not partitioned by agent, so every agent id shows the same
// task. Read-only: it never mutates task state.
func (s *Server) handleDebugTasks(w http.ResponseWriter, r *http.Request) {
	agentFilter := r.URL.Query().Get("agent")
	agentIDs := s.AgentIDs
	if agentFilter != "" {
		agentIDs = []string{agentFilter}
	}

	views := make([]taskPointerView, 0, len(agentIDs))
	for _, id := range agentIDs {
		view := taskPointerView{AgentID: id}
		t, err := s.Tasks.FindActiveTask()
		if err != nil {
			view.Error = err.Error()
		} else if t != nil {
			taskID, status := t.ID, string(t.Status)
			view.TaskID, view.Status = &taskID, &status
		}
		views = append(views, view)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// ListenAndServe starts the HTTP server and blocks until it stops or the
// context is canceled, mirroring the teacher's signal-aware shutdown
// shape but driven by the caller's own context instead of its own
// signal.Notify.
func (s *Server) ListenAndServe(stop <-chan struct{}) error {
	s.httpServer = &http.Server{Addr: s.Addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", s.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-stop:
		return s.httpServer.Close()
	}
}
