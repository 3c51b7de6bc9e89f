package worker

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/agentboard/internal/domain"
	"github.com/fairyhunter13/agentboard/internal/integrations/gitlab"
)

// GitLabExecutor handles gitlab_link, gitlab_create_project and gitlab_push
// tasks using the locally-configured token.
type GitLabExecutor struct {
	GitLab *gitlab.Client
}

// NewGitLabExecutor constructs a GitLabExecutor; nil when no token is
// configured.
func NewGitLabExecutor(cfg Config) *GitLabExecutor {
	if cfg.GitLab.BaseURL == "" || cfg.GitLab.Token == "" {
		return nil
	}
	return &GitLabExecutor{GitLab: gitlab.NewClient(cfg.GitLab.BaseURL, cfg.GitLab.Token)}
}

// Execute dispatches by task type and returns a structured summary.
func (e *GitLabExecutor) Execute(ctx context.Context, task domain.TaskView, _ ProgressFunc) (string, error) {
	switch task.TaskType {
	case domain.TaskGitLabLink:
		path := payloadString(task.Payload, "project_path")
		if path == "" {
			return "", fmt.Errorf("op=gitlab.link: payload needs project_path")
		}
		p, err := e.GitLab.GetProject(ctx, path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Linked GitLab project %s (id %d): %s", p.Path, p.ID, p.WebURL), nil

	case domain.TaskGitLabCreateProject:
		name := payloadString(task.Payload, "name")
		if name == "" {
			return "", fmt.Errorf("op=gitlab.create: payload needs name")
		}
		p, err := e.GitLab.CreateProject(ctx, name, payloadString(task.Payload, "description"))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Created GitLab project %s (id %d): %s", p.Path, p.ID, p.WebURL), nil

	case domain.TaskGitLabPush:
		projectID := payloadInt(task.Payload, "project_id")
		title := payloadString(task.Payload, "title")
		if projectID == 0 || title == "" {
			return "", fmt.Errorf("op=gitlab.push: payload needs project_id and title")
		}
		ref, err := e.GitLab.CreateIssue(ctx, projectID, title,
			payloadString(task.Payload, "description"), nil)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Created GitLab issue #%d: %s", ref.IID, ref.WebURL), nil

	default:
		return "", fmt.Errorf("op=gitlab.exec: unsupported task type %s", task.TaskType)
	}
}
