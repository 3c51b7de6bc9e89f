package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// CardGenExecutor runs the agent CLI to generate card suggestions and pushes
// the parsed cards back to the board through the server API. Each output
// line of the form "- title: description" becomes one card.
type CardGenExecutor struct {
	Agent  *AgentExecutor
	Server *Client
}

// NewCardGenExecutor constructs a CardGenExecutor.
func NewCardGenExecutor(agent *AgentExecutor, server *Client) *CardGenExecutor {
	return &CardGenExecutor{Agent: agent, Server: server}
}

// Execute runs the generation prompt and creates the resulting cards.
func (e *CardGenExecutor) Execute(ctx context.Context, task domain.TaskView, progress ProgressFunc) (string, error) {
	columnID := payloadString(task.Payload, "column_id")
	if columnID == "" {
		return "", fmt.Errorf("op=cardgen.exec: payload needs column_id")
	}
	output, err := e.Agent.Execute(ctx, task, progress)
	if err != nil {
		return output, err
	}
	created := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		title, description, _ := strings.Cut(strings.TrimPrefix(line, "- "), ":")
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		if err := e.Server.CreateCard(ctx, task.BoardID, columnID, title,
			strings.TrimSpace(description), nil); err != nil {
			return output, fmt.Errorf("op=cardgen.exec: card %q: %w", title, err)
		}
		created++
	}
	return fmt.Sprintf("Generated %d cards.\n\n%s", created, output), nil
}
