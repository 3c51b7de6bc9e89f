package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// Version is stamped at build time.
var Version = "dev"

// execution is one in-flight task: the cancel func kills the subprocess.
type execution struct {
	task   domain.TaskView
	cancel context.CancelFunc
}

// Runner is the worker daemon: it registers, then runs the poll and
// heartbeat loops until the context is cancelled. Cancellation is
// cooperative: the server marks tasks cancelled, the heartbeat reply names
// them, and the runner kills the local executions.
type Runner struct {
	Client *Client
	Config Config

	workerID          string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	maxConcurrent     int

	mu      sync.Mutex
	running map[string]*execution
	wg      sync.WaitGroup

	agent   *AgentExecutor
	jira    *JiraExecutor
	gitlab  *GitLabExecutor
	cardGen *CardGenExecutor

	// backoffUntil delays the next poll after a 429.
	backoffUntil time.Time
}

// NewRunner constructs a Runner from config and a logged-in client.
func NewRunner(client *Client, cfg Config) *Runner {
	agent := NewAgentExecutor(cfg)
	return &Runner{
		Client:            client,
		Config:            cfg,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		maxConcurrent:     cfg.MaxConcurrent,
		running:           map[string]*execution{},
		agent:             agent,
		jira:              NewJiraExecutor(cfg, client),
		gitlab:            NewGitLabExecutor(cfg),
		cardGen:           NewCardGenExecutor(agent, client),
	}
}

// Register announces the worker and adopts the server's directives.
func (r *Runner) Register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	caps := []string{domain.CapAgent}
	if r.jira != nil {
		caps = append(caps, domain.CapJira)
	}
	if r.gitlab != nil {
		caps = append(caps, domain.CapGitLab)
	}
	res, err := r.Client.Register(ctx, hostname, Version, caps, r.maxConcurrent)
	if err != nil {
		return fmt.Errorf("op=runner.register: %w", err)
	}
	r.workerID = res.Worker.ID
	if res.PollIntervalSeconds > 0 && r.Config.PollInterval == 5*time.Second {
		r.pollInterval = time.Duration(res.PollIntervalSeconds) * time.Second
	}
	if res.HeartbeatIntervalSeconds > 0 {
		r.heartbeatInterval = time.Duration(res.HeartbeatIntervalSeconds) * time.Second
	}
	if res.MaxConcurrentTasks > 0 {
		r.maxConcurrent = res.MaxConcurrentTasks
	}
	slog.Info("worker registered",
		slog.String("worker_id", r.workerID),
		slog.String("hostname", hostname),
		slog.Any("capabilities", caps))
	return nil
}

// WorkerID returns the server-assigned id after Register.
func (r *Runner) WorkerID() string { return r.workerID }

// Run drives both loops until ctx is cancelled, then shuts down gracefully:
// in-flight subprocesses are cancelled and reported failed with a shutdown
// summary, and the worker deregisters.
func (r *Runner) Run(ctx context.Context) error {
	if r.workerID == "" {
		return fmt.Errorf("op=runner.run: not registered")
	}

	hbTicker := time.NewTicker(r.heartbeatInterval)
	defer hbTicker.Stop()
	pollTicker := time.NewTicker(r.pollInterval)
	defer pollTicker.Stop()

	r.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-hbTicker.C:
			r.heartbeatOnce(ctx)
		case <-pollTicker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) heartbeatOnce(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	res, err := r.Client.Heartbeat(ctx, r.workerID, ids, loadEstimate())
	if err != nil {
		slog.Warn("heartbeat failed", slog.Any("error", err))
		return
	}
	if res.MaxConcurrentTasks > 0 {
		r.maxConcurrent = res.MaxConcurrentTasks
	}
	for _, id := range res.CancelTaskIDs {
		r.cancelLocal(id)
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	if time.Now().Before(r.backoffUntil) {
		return
	}
	r.mu.Lock()
	slots := r.maxConcurrent - len(r.running)
	r.mu.Unlock()
	if slots <= 0 {
		return
	}

	tasks, err := r.Client.Poll(ctx, r.workerID, slots)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			// Back off to twice the poll interval for one cycle.
			r.backoffUntil = time.Now().Add(2 * r.pollInterval)
			return
		}
		slog.Warn("poll failed", slog.Any("error", err))
		return
	}
	for _, t := range tasks {
		if slots <= 0 {
			break
		}
		claimed, err := r.Client.Claim(ctx, r.workerID, t.ID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Someone else got it; move on.
				continue
			}
			slog.Warn("claim failed", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		slots--
		r.start(ctx, claimed)
	}
}

// start launches one execution goroutine for a claimed task.
func (r *Runner) start(ctx context.Context, task domain.TaskView) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.running[task.ID] = &execution{task: task, cancel: cancel}
	r.mu.Unlock()

	slog.Info("task started",
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.TaskType)))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.running, task.ID)
			r.mu.Unlock()
		}()

		progress := func(text string) {
			if err := r.Client.Progress(context.Background(), r.workerID, task.ID, text); err != nil {
				slog.Debug("progress report failed", slog.String("task_id", task.ID), slog.Any("error", err))
			}
		}
		output, err := r.dispatch(execCtx, task, progress)

		reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer reportCancel()
		if execCtx.Err() != nil {
			// Cancelled by heartbeat directive or shutdown; the shutdown
			// path reports, the cancel path stays silent since the server
			// already holds the terminal status.
			slog.Info("task cancelled locally", slog.String("task_id", task.ID))
			return
		}
		if err != nil {
			slog.Warn("task failed",
				slog.String("task_id", task.ID), slog.Any("error", err))
			if rerr := r.Client.Fail(reportCtx, r.workerID, task.ID, err.Error(), output); rerr != nil {
				slog.Error("fail report failed", slog.String("task_id", task.ID), slog.Any("error", rerr))
			}
			return
		}
		slog.Info("task completed", slog.String("task_id", task.ID))
		if rerr := r.Client.Complete(reportCtx, r.workerID, task.ID, output); rerr != nil {
			slog.Error("complete report failed", slog.String("task_id", task.ID), slog.Any("error", rerr))
		}
	}()
}

func (r *Runner) dispatch(ctx context.Context, task domain.TaskView, progress ProgressFunc) (string, error) {
	switch task.TaskType {
	case domain.TaskAgentRun, domain.TaskBoardPlan:
		return r.agent.Execute(ctx, task, progress)
	case domain.TaskCardGen:
		return r.cardGen.Execute(ctx, task, progress)
	case domain.TaskJiraImport, domain.TaskJiraPush, domain.TaskJiraSync:
		if r.jira == nil {
			return "", fmt.Errorf("op=runner.dispatch: jira credentials not configured")
		}
		return r.jira.Execute(ctx, task, progress)
	case domain.TaskGitLabLink, domain.TaskGitLabCreateProject, domain.TaskGitLabPush:
		if r.gitlab == nil {
			return "", fmt.Errorf("op=runner.dispatch: gitlab credentials not configured")
		}
		return r.gitlab.Execute(ctx, task, progress)
	default:
		return "", fmt.Errorf("op=runner.dispatch: unsupported task type %s", task.TaskType)
	}
}

func (r *Runner) cancelLocal(taskID string) {
	r.mu.Lock()
	exec, ok := r.running[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("cancelling task on server directive", slog.String("task_id", taskID))
	exec.cancel()
}

// shutdown stops accepting work, kills in-flight subprocesses, reports each
// as failed with a shutdown summary and deregisters.
func (r *Runner) shutdown() {
	r.mu.Lock()
	held := make([]*execution, 0, len(r.running))
	for _, ex := range r.running {
		held = append(held, ex)
	}
	r.mu.Unlock()

	for _, ex := range held {
		ex.cancel()
	}
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, ex := range held {
		if err := r.Client.Fail(ctx, r.workerID, ex.task.ID, "worker shutdown", ""); err != nil {
			slog.Warn("shutdown fail report failed",
				slog.String("task_id", ex.task.ID), slog.Any("error", err))
		}
	}
	if err := r.Client.Deregister(ctx, r.workerID); err != nil {
		slog.Warn("deregister failed", slog.Any("error", err))
	}
	slog.Info("worker shut down", slog.Int("aborted_tasks", len(held)))
}

// loadEstimate is a coarse signal; the server only records it.
func loadEstimate() float64 {
	return float64(runtime.NumGoroutine()) / 100
}
