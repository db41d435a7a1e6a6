// Package server exposes the run API over HTTP and pushes live events to
// websocket subscribers.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/raphaelgruber/runhub/internal/app"
	"github.com/raphaelgruber/runhub/internal/metrics"
	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/service"
	"github.com/raphaelgruber/runhub/internal/store"
)

// maxBodyBytes bounds trigger request bodies.
const maxBodyBytes = 1 << 20

// Server routes API requests to the application context.
type Server struct {
	app      *app.App
	router   *mux.Router
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Server and registers its routes.
func New(a *app.App) *Server {
	s := &Server{
		app:    a,
		router: mux.NewRouter(),
		logger: a.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // dashboards are served from other origins during development
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	api.HandleFunc("/models", s.listDescriptors(models.KindOptimization)).Methods(http.MethodGet)
	api.HandleFunc("/scripts", s.listDescriptors(models.KindScript)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/trigger", s.triggerJob).Methods(http.MethodPost)
	api.HandleFunc("/scripts/{id}/execute", s.executeScript).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.runStatus).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/logs", s.runLogs).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/logfile", s.runLogFile).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/cancel", s.cancelRun).Methods(http.MethodPost)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, models.ErrorResponse{Error: "no such endpoint: " + r.URL.Path})
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, models.ErrorResponse{Error: "method not allowed"})
	})
	// Subrouters answer mismatches themselves, so both need the handlers.
	for _, router := range []*mux.Router{r, api} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = methodNotAllowed
	}
}

// Handler returns the router wrapped in logging and OTel instrumentation.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = LoggingMiddleware(s.logger, s.app.Metrics)(h)
	return otelhttp.NewHandler(h, "runhub-server")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

type statsResponse struct {
	Metrics    metrics.Snapshot    `json:"metrics"`
	ActiveRuns []service.ActiveRun `json:"active_runs"`
	Sessions   int                 `json:"sessions"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Metrics:    s.app.Metrics.Snapshot(),
		ActiveRuns: s.app.Runs.List(),
		Sessions:   s.app.Hub.SessionCount(),
	})
}

func (s *Server) listDescriptors(kind models.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, err := s.app.Status.Descriptors(r.Context(), kind)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ds)
	}
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ModelID) == "" {
		writeError(w, http.StatusBadRequest, models.ErrorResponse{Error: "model_id is required"})
		return
	}
	s.start(w, r, s.app.Optimizations, service.TriggerRequest{
		TargetID:     req.ModelID,
		DataSourceID: req.DataSourceID,
		Config:       req.Config,
		TriggeredBy:  req.TriggeredBy,
	})
}

func (s *Server) executeScript(w http.ResponseWriter, r *http.Request) {
	var req models.ExecuteScriptRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.start(w, r, s.app.Scripts, service.TriggerRequest{
		TargetID:    mux.Vars(r)["id"],
		Args:        req.Args,
		Config:      req.Config,
		TriggeredBy: req.TriggeredBy,
	})
}

// start launches a run and answers 202 without waiting for it.
func (s *Server) start(w http.ResponseWriter, r *http.Request, o *service.Orchestrator, req service.TriggerRequest) {
	h, err := o.Start(r.Context(), req)
	var ae *service.AdmissionError
	switch {
	case errors.As(err, &ae):
		writeError(w, admissionStatus(ae.Reason), models.ErrorResponse{
			Error:         ae.Message,
			Reason:        string(ae.Reason),
			ExistingRunID: ae.ExistingRunID,
		})
	case err != nil:
		resp := models.ErrorResponse{Error: err.Error()}
		if h != nil {
			resp.RunID = h.RunID
		}
		s.logger.Error("failed to start run", "error", err)
		writeError(w, http.StatusServiceUnavailable, resp)
	default:
		writeJSON(w, http.StatusAccepted, models.TriggerResponse{
			RunID:       h.RunID,
			Status:      models.StatusPending,
			LogFilePath: h.LogFilePath,
		})
	}
}

func admissionStatus(reason service.AdmissionReason) int {
	switch reason {
	case service.ReasonNotFound:
		return http.StatusNotFound
	case service.ReasonInvalidConfig:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := pageParams(w, q)
	if !ok {
		return
	}
	f := store.RunFilter{
		Kind:         models.RunKind(q.Get("kind")),
		Category:     q.Get("category"),
		TargetID:     q.Get("target_id"),
		DataSourceID: q.Get("data_source_id"),
		Limit:        limit,
		Offset:       offset,
	}
	if f.Kind != "" && !f.Kind.Valid() {
		writeError(w, http.StatusBadRequest, models.ErrorResponse{Error: fmt.Sprintf("unknown kind %q", f.Kind)})
		return
	}
	for _, st := range q["status"] {
		for _, part := range strings.Split(st, ",") {
			status := models.RunStatus(strings.TrimSpace(part))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, models.ErrorResponse{Error: fmt.Sprintf("unknown status %q", status)})
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}

	runs, total, err := s.app.Status.ListRuns(r.Context(), f)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	limit, offset = store.NormalizePage(limit, offset)
	writeJSON(w, http.StatusOK, models.RunPage{Runs: runs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("logs"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, models.ErrorResponse{Error: "logs must be a non-negative integer"})
			return
		}
	}
	view, err := s.app.Status.Status(r.Context(), mux.Vars(r)["id"], n)
	if err != nil {
		s.lookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) runLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := pageParams(w, q)
	if !ok {
		return
	}
	level := models.LogLevel(q.Get("level"))
	if level != "" && !level.Valid() {
		writeError(w, http.StatusBadRequest, models.ErrorResponse{Error: fmt.Sprintf("unknown level %q", level)})
		return
	}
	id := mux.Vars(r)["id"]
	logs, total, err := s.app.Status.Logs(r.Context(), store.LogFilter{RunID: id, Level: level, Limit: limit, Offset: offset})
	if err != nil {
		s.lookupError(w, r, err)
		return
	}
	limit, offset = store.NormalizePage(limit, offset)
	writeJSON(w, http.StatusOK, models.LogPage{RunID: id, Logs: logs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) runLogFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.app.Status.ReadLogFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.lookupError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.app.Runs.Cancel(id); err != nil {
		if errors.Is(err, service.ErrRunNotActive) {
			writeError(w, http.StatusConflict, models.ErrorResponse{Error: err.Error(), RunID: id})
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// decode reads a JSON body. An empty body decodes to the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func pageParams(w http.ResponseWriter, q map[string][]string) (int, int, bool) {
	get := func(key string) (int, bool) {
		vals := q[key]
		if len(vals) == 0 || vals[0] == "" {
			return 0, true
		}
		n, err := strconv.Atoi(vals[0])
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, models.ErrorResponse{Error: key + " must be a non-negative integer"})
			return 0, false
		}
		return n, true
	}
	limit, ok := get("limit")
	if !ok {
		return 0, 0, false
	}
	offset, ok := get("offset")
	if !ok {
		return 0, 0, false
	}
	return limit, offset, true
}

// lookupError maps read-side errors: missing runs and files are 404,
// validation failures 400, everything else 500.
func (s *Server) lookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, service.ErrLogFileMissing):
		writeError(w, http.StatusNotFound, models.ErrorResponse{Error: err.Error(), RunID: mux.Vars(r)["id"]})
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request error", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp models.ErrorResponse) {
	writeJSON(w, status, resp)
}
