package worker

import (
	"context"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// ProgressFunc streams incremental executor output back to the server.
type ProgressFunc func(text string)

// Executor runs one claimed task to completion. The returned string is the
// full output text; a non-nil error means the task failed.
type Executor interface {
	Execute(ctx context.Context, task domain.TaskView, progress ProgressFunc) (string, error)
}
