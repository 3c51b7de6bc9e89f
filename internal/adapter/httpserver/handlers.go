package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/agentboard/internal/domain"
	"github.com/fairyhunter13/agentboard/internal/usecase"
)

var validate = validator.New()

// Server bundles the services the HTTP edge exposes.
type Server struct {
	Tasks   *usecase.TaskService
	Workers *usecase.WorkerService
	Cards   *usecase.CardService
	Bus     domain.EventBus

	StreamHeartbeat time.Duration
}

// NewServer constructs the handler set.
func NewServer(t *usecase.TaskService, w *usecase.WorkerService, c *usecase.CardService, bus domain.EventBus, streamHeartbeat time.Duration) *Server {
	if streamHeartbeat <= 0 {
		streamHeartbeat = 15 * time.Second
	}
	return &Server{Tasks: t, Workers: w, Cards: c, Bus: bus, StreamHeartbeat: streamHeartbeat}
}

func decodeValid(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: bad json", domain.ErrInvalidArgument)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type registerRequest struct {
	Hostname           string   `json:"hostname"`
	Version            string   `json:"version"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

type registerResponse struct {
	Worker                   domain.WorkerView `json:"worker"`
	PollIntervalSeconds      int               `json:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int               `json:"heartbeat_interval_seconds"`
	MaxConcurrentTasks       int               `json:"max_concurrent_tasks"`
}

// RegisterWorker handles POST /workers/register.
func (s *Server) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if req.Hostname == "" {
		req.Hostname, _ = os.Hostname()
	}
	worker, dir, err := s.Workers.Register(r.Context(), domain.Worker{
		UserID:             UserIDFrom(r.Context()),
		Hostname:           req.Hostname,
		Version:            req.Version,
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		Worker:                   domain.NewWorkerView(worker),
		PollIntervalSeconds:      int(dir.PollInterval.Seconds()),
		HeartbeatIntervalSeconds: int(dir.HeartbeatInterval.Seconds()),
		MaxConcurrentTasks:       dir.MaxConcurrentTasks,
	})
}

type heartbeatRequest struct {
	WorkerID       string   `json:"worker_id" validate:"required"`
	RunningTaskIDs []string `json:"running_task_ids"`
	Load           float64  `json:"load"`
}

type heartbeatResponse struct {
	CancelTaskIDs      []string `json:"cancel_task_ids"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

// Heartbeat handles POST /workers/heartbeat.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := s.Workers.Heartbeat(r.Context(), UserIDFrom(r.Context()), req.WorkerID, req.RunningTaskIDs)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	cancel := res.CancelTaskIDs
	if cancel == nil {
		cancel = []string{}
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		CancelTaskIDs:      cancel,
		MaxConcurrentTasks: res.MaxConcurrentTasks,
	})
}

type deregisterRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// DeregisterWorker handles POST /workers/deregister on clean shutdown.
func (s *Server) DeregisterWorker(w http.ResponseWriter, r *http.Request) {
	var req deregisterRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.Workers.Deregister(r.Context(), UserIDFrom(r.Context()), req.WorkerID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListWorkers handles GET /workers.
func (s *Server) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.Workers.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]domain.WorkerView, 0, len(workers))
	for _, wk := range workers {
		out = append(out, domain.NewWorkerView(wk))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

// PollTasks handles GET /workers/tasks/poll?worker_id&limit.
func (s *Server) PollTasks(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, r, fmt.Errorf("op=poll: %w: worker_id required", domain.ErrInvalidArgument), nil)
		return
	}
	if _, err := s.Workers.GetOwned(r.Context(), userID, workerID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.Tasks.Poll(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": taskViews(tasks)})
}

type claimRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// ClaimTask handles POST /workers/tasks/{id}/claim.
func (s *Server) ClaimTask(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	task, err := s.Tasks.Claim(r.Context(), UserIDFrom(r.Context()), req.WorkerID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": domain.NewTaskView(task)})
}

type progressRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
	Text     string `json:"text"`
}

// ProgressTask handles POST /workers/tasks/{id}/progress.
func (s *Server) ProgressTask(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if _, err := s.Workers.GetOwned(r.Context(), UserIDFrom(r.Context()), req.WorkerID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.Tasks.Progress(r.Context(), req.WorkerID, chi.URLParam(r, "id"), req.Text); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type completeRequest struct {
	WorkerID   string `json:"worker_id" validate:"required"`
	OutputText string `json:"output_text"`
}

// CompleteTask handles POST /workers/tasks/{id}/complete.
func (s *Server) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if _, err := s.Workers.GetOwned(r.Context(), UserIDFrom(r.Context()), req.WorkerID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	task, err := s.Tasks.Complete(r.Context(), req.WorkerID, chi.URLParam(r, "id"), req.OutputText)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": domain.NewTaskView(task)})
}

type failRequest struct {
	WorkerID     string `json:"worker_id" validate:"required"`
	ErrorSummary string `json:"error_summary"`
	OutputText   string `json:"output_text"`
}

// FailTask handles POST /workers/tasks/{id}/fail.
func (s *Server) FailTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if _, err := s.Workers.GetOwned(r.Context(), UserIDFrom(r.Context()), req.WorkerID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	task, err := s.Tasks.Fail(r.Context(), req.WorkerID, chi.URLParam(r, "id"), req.ErrorSummary, req.OutputText)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": domain.NewTaskView(task)})
}

type createTaskRequest struct {
	TaskType   string         `json:"task_type" validate:"required"`
	BoardID    string         `json:"board_id" validate:"required"`
	CardID     string         `json:"card_id"`
	AssignedTo string         `json:"assigned_to"`
	AgentType  string         `json:"agent_type"`
	AgentModel string         `json:"agent_model"`
	PromptText string         `json:"prompt_text"`
	Payload    map[string]any `json:"payload"`
	Priority   int            `json:"priority"`
}

// CreateTask handles POST /tasks: direct queue submissions for integration
// and planning task types.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	task, err := s.Tasks.Create(r.Context(), domain.TaskSpec{
		TaskType:   domain.TaskType(req.TaskType),
		BoardID:    req.BoardID,
		CardID:     req.CardID,
		CreatedBy:  UserIDFrom(r.Context()),
		AssignedTo: req.AssignedTo,
		AgentType:  req.AgentType,
		AgentModel: req.AgentModel,
		PromptText: req.PromptText,
		Payload:    req.Payload,
		Priority:   req.Priority,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": domain.NewTaskView(task)})
}

// ListTasks handles GET /tasks?board_id&status&card_id.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	tasks, err := s.Tasks.List(r.Context(), UserIDFrom(r.Context()), domain.TaskFilter{
		BoardID: q.Get("board_id"),
		CardID:  q.Get("card_id"),
		Status:  domain.TaskStatus(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": taskViews(tasks)})
}

// GetTask handles GET /tasks/{id}.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Tasks.Get(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": domain.NewTaskView(task)})
}

// CancelTask handles POST /tasks/{id}/cancel.
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Tasks.Cancel(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveCardRequest struct {
	ToColumnID string `json:"to_column_id" validate:"required"`
	Position   *int   `json:"position"`
	Version    *int   `json:"version"`
}

// MoveCard handles POST /cards/{id}/move: the automation entry point.
func (s *Server) MoveCard(w http.ResponseWriter, r *http.Request) {
	var req moveCardRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	position := -1
	if req.Position != nil {
		position = *req.Position
	}
	version := -1
	if req.Version != nil {
		version = *req.Version
	}
	card, err := s.Cards.Move(r.Context(), UserIDFrom(r.Context()), chi.URLParam(r, "id"),
		req.ToColumnID, position, version)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": domain.NewCardView(card)})
}

type createCardRequest struct {
	BoardID     string   `json:"board_id" validate:"required"`
	ColumnID    string   `json:"column_id" validate:"required"`
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Priority    string   `json:"priority"`
	AssigneeID  string   `json:"assignee_id"`
}

// CreateCard handles POST /cards: used by import and card_gen workers.
func (s *Server) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req createCardRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	card, err := s.Cards.Create(r.Context(), UserIDFrom(r.Context()), domain.Card{
		BoardID:     req.BoardID,
		ColumnID:    req.ColumnID,
		Title:       req.Title,
		Description: req.Description,
		Labels:      req.Labels,
		Priority:    req.Priority,
		AssigneeID:  req.AssigneeID,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"card": domain.NewCardView(card)})
}

// Healthz is the liveness probe.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func taskViews(tasks []domain.Task) []domain.TaskView {
	out := make([]domain.TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, domain.NewTaskView(t))
	}
	return out
}
