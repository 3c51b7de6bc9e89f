package domain

import (
	"encoding/json"
	"time"
)

// EventType tags the variants carried on the event bus.
type EventType string

const (
	EventTaskCreated        EventType = "task_created"
	EventTaskClaimed        EventType = "task_claimed"
	EventTaskProgress       EventType = "task_progress"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventTaskCancelled      EventType = "task_cancelled"
	EventTaskRoutingSkipped EventType = "task_routing_skipped"
	EventWorkerOnline       EventType = "worker_online"
	EventWorkerStale        EventType = "worker_stale"
	EventWorkerOffline      EventType = "worker_offline"
	EventCardMoved          EventType = "card_moved"
	EventCardUpdated        EventType = "card_updated"
	EventCommentAdded       EventType = "comment_added"
	EventHeartbeat          EventType = "heartbeat"
)

// Event bus topics.
const TopicGlobal = "global"

// BoardTopic is the per-board channel name.
func BoardTopic(boardID string) string { return "board:" + boardID }

// UserTopic is the per-user channel name.
func UserTopic(userID string) string { return "user:" + userID }

// Event is a tagged variant: the payload is one of the *Payload structs
// below, selected by Type. Events live only on the bus; they are never
// persisted.
type Event struct {
	Type    EventType
	Channel string
	Payload any
}

// MarshalJSON flattens the payload next to the type tag, producing the
// {"type": ..., ...payload} wire shape stream clients consume.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	t, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	out["type"] = t
	return json.Marshal(out)
}

// TaskPayload wraps a full task snapshot (task_created, task_claimed,
// task_completed, task_failed, task_cancelled).
type TaskPayload struct {
	Task TaskView `json:"task"`
}

// TaskProgressPayload carries incremental executor output.
type TaskProgressPayload struct {
	TaskID       string `json:"task_id"`
	ProgressText string `json:"progress_text"`
}

// RoutingSkippedPayload is the diagnostic emitted when a terminal task finds
// its card moved out-of-band and declines to route it.
type RoutingSkippedPayload struct {
	TaskID   string `json:"task_id"`
	CardID   string `json:"card_id"`
	ColumnID string `json:"column_id"`
	Reason   string `json:"reason"`
}

// WorkerPayload wraps worker liveness changes.
type WorkerPayload struct {
	Worker WorkerView `json:"worker"`
}

// CardMovedPayload describes a card changing columns.
type CardMovedPayload struct {
	CardID     string   `json:"card_id"`
	FromColumn string   `json:"from_column"`
	ToColumn   string   `json:"to_column"`
	Position   int      `json:"position"`
	Card       CardView `json:"card"`
}

// CardUpdatedPayload wraps a card snapshot.
type CardUpdatedPayload struct {
	Card CardView `json:"card"`
}

// CommentAddedPayload wraps a new comment.
type CommentAddedPayload struct {
	Comment CommentView `json:"comment"`
}

// HeartbeatPayload keeps intermediaries from idling long-lived streams.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// Wire views. Timestamps are UTC ISO-8601; nullable times are pointers so
// they serialize as null rather than zero values.

// TaskView is the JSON shape of a task.
type TaskView struct {
	ID              string         `json:"id"`
	TaskType        TaskType       `json:"task_type"`
	BoardID         string         `json:"board_id"`
	CardID          string         `json:"card_id,omitempty"`
	CreatedBy       string         `json:"created_by"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	ClaimedByWorker string         `json:"claimed_by_worker,omitempty"`
	AgentType       string         `json:"agent_type,omitempty"`
	AgentModel      string         `json:"agent_model,omitempty"`
	PromptText      string         `json:"prompt_text,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Status          TaskStatus     `json:"status"`
	Priority        int            `json:"priority"`
	SourceColumnID  string         `json:"source_column_id,omitempty"`
	TargetColumnID  string         `json:"target_column_id,omitempty"`
	FailureColumnID string         `json:"failure_column_id,omitempty"`
	LoopCount       int            `json:"loop_count"`
	MaxLoopCount    int            `json:"max_loop_count"`
	ErrorSummary    string         `json:"error_summary,omitempty"`
	OutputCommentID string         `json:"output_comment_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// NewTaskView converts a task to its wire shape, normalising timestamps to
// UTC.
func NewTaskView(t Task) TaskView {
	return TaskView{
		ID:              t.ID,
		TaskType:        t.TaskType,
		BoardID:         t.BoardID,
		CardID:          t.CardID,
		CreatedBy:       t.CreatedBy,
		AssignedTo:      t.AssignedTo,
		ClaimedByWorker: t.ClaimedByWorker,
		AgentType:       t.AgentType,
		AgentModel:      t.AgentModel,
		PromptText:      t.PromptText,
		Payload:         t.Payload,
		Status:          t.Status,
		Priority:        t.Priority,
		SourceColumnID:  t.SourceColumnID,
		TargetColumnID:  t.TargetColumnID,
		FailureColumnID: t.FailureColumnID,
		LoopCount:       t.LoopCount,
		MaxLoopCount:    t.MaxLoopCount,
		ErrorSummary:    t.ErrorSummary,
		OutputCommentID: t.OutputCommentID,
		CreatedAt:       t.CreatedAt.UTC(),
		ClaimedAt:       utcPtr(t.ClaimedAt),
		StartedAt:       utcPtr(t.StartedAt),
		CompletedAt:     utcPtr(t.CompletedAt),
	}
}

// WorkerView is the JSON shape of a worker.
type WorkerView struct {
	ID                 string       `json:"id"`
	UserID             string       `json:"user_id"`
	Hostname           string       `json:"hostname"`
	Version            string       `json:"version"`
	Capabilities       []string     `json:"capabilities"`
	Status             WorkerStatus `json:"status"`
	LastHeartbeat      time.Time    `json:"last_heartbeat"`
	RegisteredAt       time.Time    `json:"registered_at"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
}

// NewWorkerView converts a worker to its wire shape.
func NewWorkerView(w Worker) WorkerView {
	return WorkerView{
		ID:                 w.ID,
		UserID:             w.UserID,
		Hostname:           w.Hostname,
		Version:            w.Version,
		Capabilities:       w.Capabilities,
		Status:             w.Status,
		LastHeartbeat:      w.LastHeartbeat.UTC(),
		RegisteredAt:       w.RegisteredAt.UTC(),
		MaxConcurrentTasks: w.MaxConcurrentTasks,
	}
}

// CardView is the JSON shape of a card.
type CardView struct {
	ID          string    `json:"id"`
	ColumnID    string    `json:"column_id"`
	BoardID     string    `json:"board_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Labels      []string  `json:"labels"`
	Priority    string    `json:"priority"`
	AssigneeID  string    `json:"assignee_id,omitempty"`
	AgentStatus string    `json:"agent_status"`
	Position    int       `json:"position"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewCardView converts a card to its wire shape.
func NewCardView(c Card) CardView {
	labels := c.Labels
	if labels == nil {
		labels = []string{}
	}
	return CardView{
		ID:          c.ID,
		ColumnID:    c.ColumnID,
		BoardID:     c.BoardID,
		Title:       c.Title,
		Description: c.Description,
		Labels:      labels,
		Priority:    c.Priority,
		AssigneeID:  c.AssigneeID,
		AgentStatus: c.AgentStatus,
		Position:    c.Position,
		Version:     c.Version,
		CreatedAt:   c.CreatedAt.UTC(),
		UpdatedAt:   c.UpdatedAt.UTC(),
	}
}

// CommentView is the JSON shape of a comment.
type CommentView struct {
	ID            string    `json:"id"`
	CardID        string    `json:"card_id"`
	UserID        string    `json:"user_id"`
	Content       string    `json:"content"`
	IsAgentOutput bool      `json:"is_agent_output"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewCommentView converts a comment to its wire shape.
func NewCommentView(c Comment) CommentView {
	return CommentView{
		ID:            c.ID,
		CardID:        c.CardID,
		UserID:        c.UserID,
		Content:       c.Content,
		IsAgentOutput: c.IsAgentOutput,
		CreatedAt:     c.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
