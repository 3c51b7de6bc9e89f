package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// In-memory fakes for the repository ports plus a capturing bus. They keep
// just enough semantics (claim races, version guards, transition DAG) for the
// service tests to exercise the real branches.

type publishedEvent struct {
	Topic string
	Event domain.Event
}

type memBus struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (b *memBus) Subscribe(topic string) *domain.Subscription {
	return &domain.Subscription{Topic: topic, C: make(chan domain.Event)}
}

func (b *memBus) Unsubscribe(*domain.Subscription) {}

func (b *memBus) Publish(topic string, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.Channel = topic
	b.events = append(b.events, publishedEvent{Topic: topic, Event: ev})
}

func (b *memBus) ofType(t domain.EventType) []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedEvent
	for _, pe := range b.events {
		if pe.Event.Type == t {
			out = append(out, pe)
		}
	}
	return out
}

func (b *memBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, 0, len(b.events))
	for _, pe := range b.events {
		out = append(out, pe.Event.Type)
	}
	return out
}

type memTasks struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*domain.Task
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: map[string]*domain.Task{}}
}

func (m *memTasks) Create(_ context.Context, spec domain.TaskSpec) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := domain.Task{
		ID:              fmt.Sprintf("task-%d", m.seq),
		TaskType:        spec.TaskType,
		BoardID:         spec.BoardID,
		CardID:          spec.CardID,
		CreatedBy:       spec.CreatedBy,
		AssignedTo:      spec.AssignedTo,
		AgentType:       spec.AgentType,
		AgentModel:      spec.AgentModel,
		PromptText:      spec.PromptText,
		Payload:         spec.Payload,
		Status:          domain.TaskPending,
		Priority:        spec.Priority,
		SourceColumnID:  spec.SourceColumnID,
		TargetColumnID:  spec.TargetColumnID,
		FailureColumnID: spec.FailureColumnID,
		LoopCount:       spec.LoopCount,
		MaxLoopCount:    spec.MaxLoopCount,
		CreatedAt:       time.Now().UTC().Add(time.Duration(m.seq) * time.Millisecond),
	}
	m.tasks[t.ID] = &t
	cp := t
	return cp, nil
}

func (m *memTasks) Get(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return *t, nil
}

func (m *memTasks) List(_ context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if f.BoardID != "" && t.BoardID != f.BoardID {
			continue
		}
		if f.CardID != "" && t.CardID != f.CardID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memTasks) PollPending(_ context.Context, userID string, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		if t.AssignedTo != "" && t.AssignedTo != userID {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) Claim(_ context.Context, taskID, workerID string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if t.Status != domain.TaskPending {
		return domain.Task{}, fmt.Errorf("op=task.claim: %w: task is %s", domain.ErrConflict, t.Status)
	}
	now := time.Now().UTC()
	t.Status = domain.TaskClaimed
	t.ClaimedByWorker = workerID
	t.ClaimedAt = &now
	return *t, nil
}

func (m *memTasks) Transition(_ context.Context, taskID string, from, to domain.TaskStatus, upd domain.TaskUpdate) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if !domain.CanTransition(from, to) || t.Status != from {
		return domain.Task{}, fmt.Errorf("op=task.transition: %w: task is %s", domain.ErrConflict, t.Status)
	}
	t.Status = to
	if upd.ErrorSummary != nil {
		t.ErrorSummary = *upd.ErrorSummary
	}
	if upd.StartedAt != nil {
		t.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		t.CompletedAt = upd.CompletedAt
	}
	return *t, nil
}

func (m *memTasks) CountBySource(_ context.Context, cardID, columnID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.CardID == cardID && t.SourceColumnID == columnID {
			n++
		}
	}
	return n, nil
}

func (m *memTasks) CancelledOf(_ context.Context, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t.Status == domain.TaskCancelled {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memTasks) ActiveByWorker(_ context.Context, workerID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.ClaimedByWorker != workerID {
			continue
		}
		if t.Status == domain.TaskClaimed || t.Status == domain.TaskRunning {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTasks) SetOutputComment(_ context.Context, taskID, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	t.OutputCommentID = commentID
	return nil
}

type memWorkers struct {
	mu      sync.Mutex
	seq     int
	workers map[string]*domain.Worker
}

func newMemWorkers() *memWorkers {
	return &memWorkers{workers: map[string]*domain.Worker{}}
}

func (m *memWorkers) Upsert(_ context.Context, w domain.Worker) (domain.Worker, domain.WorkerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.workers {
		if existing.UserID == w.UserID {
			prev := existing.Status
			existing.Hostname = w.Hostname
			existing.Version = w.Version
			existing.Capabilities = w.Capabilities
			existing.MaxConcurrentTasks = w.MaxConcurrentTasks
			existing.Status = domain.WorkerOnline
			existing.LastHeartbeat = time.Now().UTC()
			return *existing, prev, nil
		}
	}
	m.seq++
	w.ID = fmt.Sprintf("worker-%d", m.seq)
	w.Status = domain.WorkerOnline
	w.LastHeartbeat = time.Now().UTC()
	w.RegisteredAt = w.LastHeartbeat
	m.workers[w.ID] = &w
	return w, "", nil
}

func (m *memWorkers) Get(_ context.Context, id string) (domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return domain.Worker{}, domain.ErrNotFound
	}
	return *w, nil
}

func (m *memWorkers) GetByUser(_ context.Context, userID string) (domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w.UserID == userID {
			return *w, nil
		}
	}
	return domain.Worker{}, domain.ErrNotFound
}

func (m *memWorkers) List(_ context.Context) ([]domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memWorkers) Heartbeat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Status = domain.WorkerOnline
	w.LastHeartbeat = time.Now().UTC()
	return nil
}

func (m *memWorkers) MarkStale(_ context.Context, cutoff time.Time) ([]domain.Worker, error) {
	return m.sweep(domain.WorkerOnline, domain.WorkerStale, cutoff), nil
}

func (m *memWorkers) MarkOffline(_ context.Context, cutoff time.Time) ([]domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Worker
	for _, w := range m.workers {
		if (w.Status == domain.WorkerOnline || w.Status == domain.WorkerStale) && w.LastHeartbeat.Before(cutoff) {
			w.Status = domain.WorkerOffline
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *memWorkers) sweep(from, to domain.WorkerStatus, cutoff time.Time) []domain.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Worker
	for _, w := range m.workers {
		if w.Status == from && w.LastHeartbeat.Before(cutoff) {
			w.Status = to
			out = append(out, *w)
		}
	}
	return out
}

func (m *memWorkers) SetStatus(_ context.Context, id string, status domain.WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Status = status
	return nil
}

type memBoards struct {
	mu       sync.Mutex
	seq      int
	boards   map[string]domain.Board
	cards    map[string]*domain.Card
	columns  map[string]domain.Column
	comments []domain.Comment
	members  map[string][]string

	// moveErr, when set, is returned by the next MoveCard call.
	moveErr error
}

func newMemBoards() *memBoards {
	return &memBoards{
		boards:  map[string]domain.Board{},
		cards:   map[string]*domain.Card{},
		columns: map[string]domain.Column{},
		members: map[string][]string{},
	}
}

func (m *memBoards) GetBoard(_ context.Context, id string) (domain.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[id]
	if !ok {
		return domain.Board{}, domain.ErrNotFound
	}
	return b, nil
}

func (m *memBoards) GetCard(_ context.Context, id string) (domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return domain.Card{}, domain.ErrNotFound
	}
	return *c, nil
}

func (m *memBoards) GetColumn(_ context.Context, id string) (domain.Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.columns[id]
	if !ok {
		return domain.Column{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memBoards) MoveCard(_ context.Context, cardID, toColumnID string, position, fromVersion int) (domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moveErr != nil {
		err := m.moveErr
		m.moveErr = nil
		return domain.Card{}, err
	}
	c, ok := m.cards[cardID]
	if !ok {
		return domain.Card{}, domain.ErrNotFound
	}
	if c.Version != fromVersion {
		return domain.Card{}, fmt.Errorf("op=card.move: %w: version mismatch", domain.ErrConflict)
	}
	if position < 0 {
		position = len(m.cards)
	}
	c.ColumnID = toColumnID
	c.Position = position
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	return *c, nil
}

func (m *memBoards) SetAgentStatus(_ context.Context, cardID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return domain.ErrNotFound
	}
	c.AgentStatus = status
	return nil
}

func (m *memBoards) CreateCard(_ context.Context, c domain.Card) (domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c.ID = fmt.Sprintf("card-%d", m.seq)
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	m.cards[c.ID] = &c
	return c, nil
}

func (m *memBoards) ListComments(_ context.Context, cardID string) ([]domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Comment
	for _, c := range m.comments {
		if c.CardID == cardID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memBoards) LastAgentOutput(_ context.Context, cardID string) (domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.comments) - 1; i >= 0; i-- {
		if m.comments[i].CardID == cardID && m.comments[i].IsAgentOutput {
			return m.comments[i], nil
		}
	}
	return domain.Comment{}, domain.ErrNotFound
}

func (m *memBoards) CreateComment(_ context.Context, c domain.Comment) (domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c.ID = fmt.Sprintf("comment-%d", m.seq)
	c.CreatedAt = time.Now().UTC()
	m.comments = append(m.comments, c)
	return c, nil
}

func (m *memBoards) IsMember(_ context.Context, boardID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.members[boardID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memBoards) MemberBoards(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for boardID, users := range m.members {
		for _, u := range users {
			if u == userID {
				out = append(out, boardID)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memBoards) addCard(c domain.Card) *domain.Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.cards[c.ID] = &cp
	return &cp
}
