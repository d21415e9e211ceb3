package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/caseyglarkin2-png/sales-agent-sub001/internal/log"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/service"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// Server exposes the orchestration core's HTTP surface. Run creation only
// persists and enqueues; it never blocks on step execution.
type Server struct {
	store       storage.Store
	tasks       *service.TaskService
	deadLetters *service.DeadLetterService
	limiter     *service.RateLimiter
	audit       *service.AuditTrail
}

func NewServer(store storage.Store, tasks *service.TaskService, deadLetters *service.DeadLetterService, limiter *service.RateLimiter, audit *service.AuditTrail) *Server {
	return &Server{store: store, tasks: tasks, deadLetters: deadLetters, limiter: limiter, audit: audit}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.createRunHandler).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}", s.getRunHandler).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/events", s.runEventsHandler).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/cancel", s.cancelRunHandler).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/status", s.taskStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/dead-letter", s.listDeadLettersHandler).Methods(http.MethodGet)
	r.HandleFunc("/dead-letter/{id}/retry", s.retryDeadLetterHandler).Methods(http.MethodPost)
	r.HandleFunc("/dead-letter/{id}/resolve", s.resolveDeadLetterHandler).Methods(http.MethodPost)
	r.HandleFunc("/rate-limits/{service}", s.rateLimitHandler).Methods(http.MethodGet)
	return r
}

func StartServer(port string, s *Server) error {
	log.GetLogger().Infof("Starting orchestration server on :%s", port)
	return http.ListenAndServe(":"+port, s.Router())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRunRequest struct {
	WorkflowName   string            `json:"workflow_name"`
	InitialContext models.RunContext `json:"initial_context"`
}

func (s *Server) createRunHandler(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if req.WorkflowName == "" {
		writeError(w, http.StatusBadRequest, errors.New("workflow_name is required"))
		return
	}
	run, taskID, err := s.tasks.CreateRun(req.WorkflowName, req.InitialContext)
	if err != nil {
		log.GetLogger().Errorf("Failed to create run: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":     run.ID,
		"task_id":    taskID,
		"status_url": fmt.Sprintf("/tasks/%s/status", taskID),
	})
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) runEventsHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.audit.Query(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if err := s.tasks.Cancel(runID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested", "run_id": runID})
}

func (s *Server) taskStatusHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp := map[string]interface{}{
		"task_id": task.ID,
		"status":  task.Status,
	}
	if task.LastError != "" {
		resp["error"] = task.LastError
	}
	if task.Status == models.SuccessTaskStatus {
		if run, runErr := s.store.GetRun(task.RunID); runErr == nil {
			resp["result"] = run.Context
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	status := models.DeadLetterStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := s.deadLetters.List(status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []models.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) retryDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid dead-letter id"))
		return
	}
	taskID, err := s.deadLetters.Retry(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "retry_queued",
		"new_task_id": taskID,
	})
}

func (s *Server) resolveDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid dead-letter id"))
		return
	}
	notes := r.URL.Query().Get("notes")
	resolvedBy := r.URL.Query().Get("resolved_by")
	if resolvedBy == "" {
		writeError(w, http.StatusBadRequest, errors.New("resolved_by is required"))
		return
	}
	if err := s.deadLetters.Resolve(id, notes, resolvedBy); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	bucket, err := s.limiter.BucketStatus(name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":          bucket.Service,
		"tokens_available": bucket.TokensAvailable,
		"capacity":         bucket.Capacity,
		"refill_rate":      bucket.RefillRatePerMinute,
		"utilization":      bucket.Utilization(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
