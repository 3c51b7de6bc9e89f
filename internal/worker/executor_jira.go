package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/fairyhunter13/agentboard/internal/domain"
	"github.com/fairyhunter13/agentboard/internal/integrations/jira"
)

// JiraExecutor handles jira_import, jira_push and jira_sync tasks using the
// locally-configured credentials. Imported issues become cards created back
// through the server API under the same user.
type JiraExecutor struct {
	Jira   *jira.Client
	Server *Client
}

// NewJiraExecutor constructs a JiraExecutor; nil when no credentials are
// configured.
func NewJiraExecutor(cfg Config, server *Client) *JiraExecutor {
	if cfg.Jira.BaseURL == "" || cfg.Jira.APIToken == "" {
		return nil
	}
	return &JiraExecutor{
		Jira:   jira.NewClient(cfg.Jira.BaseURL, cfg.Jira.Email, cfg.Jira.APIToken),
		Server: server,
	}
}

// Execute dispatches by task type and returns a structured summary.
func (e *JiraExecutor) Execute(ctx context.Context, task domain.TaskView, progress ProgressFunc) (string, error) {
	switch task.TaskType {
	case domain.TaskJiraImport:
		return e.runImport(ctx, task, progress)
	case domain.TaskJiraPush:
		return e.runPush(ctx, task)
	case domain.TaskJiraSync:
		// Sync is an import with a narrower query supplied in the payload.
		return e.runImport(ctx, task, progress)
	default:
		return "", fmt.Errorf("op=jira.exec: unsupported task type %s", task.TaskType)
	}
}

func (e *JiraExecutor) runImport(ctx context.Context, task domain.TaskView, progress ProgressFunc) (string, error) {
	jql := payloadString(task.Payload, "jql")
	if jql == "" {
		project := payloadString(task.Payload, "project_key")
		if project == "" {
			return "", fmt.Errorf("op=jira.import: payload needs jql or project_key")
		}
		jql = fmt.Sprintf("project = %s ORDER BY created DESC", project)
	}
	columnID := payloadString(task.Payload, "column_id")
	if columnID == "" {
		return "", fmt.Errorf("op=jira.import: payload needs column_id")
	}

	issues, err := e.Jira.SearchIssues(ctx, jql, payloadInt(task.Payload, "limit"))
	if err != nil {
		return "", err
	}
	created := 0
	for _, issue := range issues {
		title := fmt.Sprintf("[%s] %s", issue.Key, issue.Summary)
		if err := e.Server.CreateCard(ctx, task.BoardID, columnID, title, issue.Description, issue.Labels); err != nil {
			return "", fmt.Errorf("op=jira.import: card %s: %w", issue.Key, err)
		}
		created++
		if progress != nil && created%10 == 0 {
			progress(fmt.Sprintf("imported %d/%d issues", created, len(issues)))
		}
	}
	return fmt.Sprintf("Imported %d Jira issues into board %s.", created, task.BoardID), nil
}

func (e *JiraExecutor) runPush(ctx context.Context, task domain.TaskView) (string, error) {
	project := payloadString(task.Payload, "project_key")
	title := payloadString(task.Payload, "title")
	if project == "" || title == "" {
		return "", fmt.Errorf("op=jira.push: payload needs project_key and title")
	}
	issueType := payloadString(task.Payload, "issue_type")
	if issueType == "" {
		issueType = "Task"
	}
	key, err := e.Jira.CreateIssue(ctx, project, issueType, title, payloadString(task.Payload, "description"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created Jira issue %s in %s.", key, project), nil
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
