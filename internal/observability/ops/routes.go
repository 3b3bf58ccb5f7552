package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcprunner/internal/storage"
	"mcprunner/internal/task/engine"
	"mcprunner/internal/task/scheduler"
	logx "mcprunner/pkg/logx"
)

// Runner is the read-only view of the task runner the routes need.
type Runner interface {
	Tasks() []engine.TaskInfo
	Runs(name string) ([]engine.Snapshot, error)
	GetTaskUpdate(name string, runID int64) (engine.Snapshot, error)
	Schedules() []scheduler.ScheduleInfo
	Stats() engine.RunnerStats
}

// AuditSource lists recent control actions.
type AuditSource interface {
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

// Deps are the data sources behind the routes. Nil members disable their routes.
type Deps struct {
	Runner   Runner
	Gatherer prom.Gatherer
	Audit    AuditSource
	Health   func() error
}

// NewRouter builds the diagnostics router.
func NewRouter(d Deps, token string, pprof bool, log logx.Logger) chi.Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if d.Health != nil {
			if err := d.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(withAuth(token))

		if d.Gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
		}
		if d.Runner != nil {
			h := &handlers{runner: d.Runner}
			r.Get("/stats", h.stats)
			r.Get("/tasks", h.tasks)
			r.Get("/tasks/{name}/runs", h.runs)
			r.Get("/tasks/{name}/runs/{id}", h.run)
			r.Get("/schedules", h.schedules)
		}
		if d.Audit != nil {
			r.Get("/audit", auditHandler(d.Audit))
		}
		if pprof {
			r.HandleFunc("/debug/pprof/", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
			r.HandleFunc("/debug/pprof/{profile}", hpprof.Index)
		}
	})
	return r
}

type handlers struct {
	runner Runner
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Stats())
}

func (h *handlers) tasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Tasks())
}

func (h *handlers) schedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Schedules())
}

func (h *handlers) runs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runner.Runs(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	snap, err := h.runner.GetTaskUpdate(chi.URLParam(r, "name"), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func auditHandler(src AuditSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, 1000)
		}
		entries, err := src.RecentAudit(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownTask), errors.Is(err, engine.ErrUnknownRun):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http_access",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
