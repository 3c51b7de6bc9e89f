// Package domain holds the core entities, error taxonomy and ports for the
// task dispatch core. It has no dependencies on adapters; adapters and
// usecases depend on it.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("storage unavailable")
	ErrInternal        = errors.New("internal error")
)

// WorkerStatus enumerates worker liveness states.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerStale   WorkerStatus = "stale"
	WorkerOffline WorkerStatus = "offline"
)

// Worker capability tags.
const (
	CapAgent  = "agent"
	CapJira   = "jira"
	CapGitLab = "gitlab"
)

// Worker is one registered worker process. At most one row exists per
// user; re-registration updates in place.
type Worker struct {
	ID                 string
	UserID             string
	Hostname           string
	Version            string
	Capabilities       []string
	Status             WorkerStatus
	LastHeartbeat      time.Time
	RegisteredAt       time.Time
	MaxConcurrentTasks int
}

// TaskType enumerates the kinds of work a worker can claim.
type TaskType string

const (
	TaskAgentRun            TaskType = "agent_run"
	TaskJiraImport          TaskType = "jira_import"
	TaskJiraPush            TaskType = "jira_push"
	TaskJiraSync            TaskType = "jira_sync"
	TaskGitLabLink          TaskType = "gitlab_link"
	TaskGitLabCreateProject TaskType = "gitlab_create_project"
	TaskGitLabPush          TaskType = "gitlab_push"
	TaskBoardPlan           TaskType = "board_plan"
	TaskCardGen             TaskType = "card_gen"
)

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskAgentRun, TaskJiraImport, TaskJiraPush, TaskJiraSync,
		TaskGitLabLink, TaskGitLabCreateProject, TaskGitLabPush,
		TaskBoardPlan, TaskCardGen:
		return true
	}
	return false
}

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskDAG is the allowed status transition graph. Every status change in the
// store is guarded against it; anything else is a Conflict.
var taskDAG = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskClaimed, TaskCancelled},
	TaskClaimed: {TaskRunning, TaskCompleted, TaskFailed, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether from -> to is a legal task status move.
func CanTransition(from, to TaskStatus) bool {
	for _, n := range taskDAG[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Task is one unit of dispatchable work.
type Task struct {
	ID              string
	TaskType        TaskType
	BoardID         string
	CardID          string
	CreatedBy       string
	AssignedTo      string
	ClaimedByWorker string

	AgentType  string
	AgentModel string
	PromptText string
	Payload    map[string]any

	Status   TaskStatus
	Priority int

	SourceColumnID  string
	TargetColumnID  string
	FailureColumnID string
	LoopCount       int
	MaxLoopCount    int

	ErrorSummary    string
	OutputCommentID string

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// AgentStatus values carried on cards while automation holds them.
const (
	AgentStatusNone      = ""
	AgentStatusPending   = "pending"
	AgentStatusRunning   = "running"
	AgentStatusCompleted = "completed"
	AgentStatusFailed    = "failed"
)

// Card is the board entity automation mutates. Version guards concurrent
// moves: MoveCard is conditional on it.
type Card struct {
	ID          string
	ColumnID    string
	BoardID     string
	Title       string
	Description string
	Labels      []string
	Priority    string
	AssigneeID  string
	AgentStatus string
	Position    int
	Version     int
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Locked reports whether an agent currently holds the card.
func (c Card) Locked() bool {
	return c.AgentStatus == AgentStatusPending || c.AgentStatus == AgentStatusRunning
}

// Column is consumed by the automation engine; auto_run columns are
// declarative automation rules.
type Column struct {
	ID                string
	BoardID           string
	Name              string
	Position          int
	AutoRun           bool
	AgentType         string
	AgentModel        string
	PromptTemplate    string
	OnSuccessColumnID string
	OnFailureColumnID string
	MaxLoopCount      int
}

// Comment is produced by automation to carry agent output.
type Comment struct {
	ID            string
	CardID        string
	UserID        string
	Content       string
	IsAgentOutput bool
	CreatedAt     time.Time
}

// Board is consumed for naming and membership checks only.
type Board struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// TaskFilter narrows List queries.
type TaskFilter struct {
	BoardID string
	CardID  string
	Status  TaskStatus
	Limit   int
}

// TaskSpec is the input to TaskService.Create.
type TaskSpec struct {
	TaskType        TaskType
	BoardID         string
	CardID          string
	CreatedBy       string
	AssignedTo      string
	AgentType       string
	AgentModel      string
	PromptText      string
	Payload         map[string]any
	Priority        int
	SourceColumnID  string
	TargetColumnID  string
	FailureColumnID string
	LoopCount       int
	MaxLoopCount    int
}

// Ports (implemented by internal/adapter/repo/postgres)

// TaskRepository is the store for tasks. Claim and Transition are the only
// synchronization primitives the queue relies on: both are single
// conditional updates.
type TaskRepository interface {
	Create(ctx context.Context, spec TaskSpec) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context, f TaskFilter) ([]Task, error)
	// PollPending returns pending tasks claimable by userID, highest
	// priority first, oldest first within a priority.
	PollPending(ctx context.Context, userID string, limit int) ([]Task, error)
	// Claim atomically assigns a pending task to workerID. ErrConflict if
	// the task is no longer pending.
	Claim(ctx context.Context, taskID, workerID string) (Task, error)
	// Transition moves the task from -> to, applying upd. ErrConflict if
	// the task is not in from.
	Transition(ctx context.Context, taskID string, from, to TaskStatus, upd TaskUpdate) (Task, error)
	// CountBySource counts tasks ever created for (cardID, columnID).
	CountBySource(ctx context.Context, cardID, columnID string) (int, error)
	// CancelledOf filters ids down to those the server marked cancelled.
	CancelledOf(ctx context.Context, ids []string) ([]string, error)
	// ActiveByWorker returns claimed/running tasks held by workerID.
	ActiveByWorker(ctx context.Context, workerID string) ([]Task, error)
	SetOutputComment(ctx context.Context, taskID, commentID string) error
}

// TaskUpdate carries the optional fields a Transition may set.
type TaskUpdate struct {
	ErrorSummary *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// WorkerRepository is the store for workers.
type WorkerRepository interface {
	// Upsert registers or re-registers the user's single worker row and
	// returns it along with the status the row had before, for
	// online-transition events.
	Upsert(ctx context.Context, w Worker) (Worker, WorkerStatus, error)
	Get(ctx context.Context, id string) (Worker, error)
	GetByUser(ctx context.Context, userID string) (Worker, error)
	List(ctx context.Context) ([]Worker, error)
	// Heartbeat bumps last_heartbeat and forces status online.
	Heartbeat(ctx context.Context, id string) error
	// MarkStale flips online workers whose heartbeat is older than cutoff
	// and returns the workers that changed.
	MarkStale(ctx context.Context, cutoff time.Time) ([]Worker, error)
	// MarkOffline flips online/stale workers older than cutoff.
	MarkOffline(ctx context.Context, cutoff time.Time) ([]Worker, error)
	SetStatus(ctx context.Context, id string, status WorkerStatus) error
}

// BoardRepository exposes the cards, columns and comments the automation
// engine consumes. Board CRUD proper lives outside the core.
type BoardRepository interface {
	GetBoard(ctx context.Context, id string) (Board, error)
	GetCard(ctx context.Context, id string) (Card, error)
	GetColumn(ctx context.Context, id string) (Column, error)
	// MoveCard is conditional on the card's version; ErrConflict when a
	// concurrent move won. Position -1 appends at the end.
	MoveCard(ctx context.Context, cardID, toColumnID string, position int, fromVersion int) (Card, error)
	SetAgentStatus(ctx context.Context, cardID, status string) error
	CreateCard(ctx context.Context, c Card) (Card, error)
	ListComments(ctx context.Context, cardID string) ([]Comment, error)
	// LastAgentOutput returns the newest is_agent_output comment, or
	// ErrNotFound.
	LastAgentOutput(ctx context.Context, cardID string) (Comment, error)
	CreateComment(ctx context.Context, c Comment) (Comment, error)
	IsMember(ctx context.Context, boardID, userID string) (bool, error)
	MemberBoards(ctx context.Context, userID string) ([]string, error)
}

// UserRepository backs token issuance. Identity management proper is out of
// scope; the core only needs id lookup and a stored password hash.
type UserRepository interface {
	GetByName(ctx context.Context, name string) (User, error)
}

// User is the minimal identity record the core consumes.
type User struct {
	ID           string
	Name         string
	PasswordHash string
}

// EventBus is the in-process fan-out. Publish never blocks; slow
// subscribers lose the oldest events in their queue.
type EventBus interface {
	Subscribe(topic string) *Subscription
	Unsubscribe(sub *Subscription)
	Publish(topic string, ev Event)
}

// Subscription is a handle plus the receive stream for one subscriber.
type Subscription struct {
	ID    uint64
	Topic string
	C     <-chan Event
}
