package usecase

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// defaultPromptTemplate is used when an automation column carries no template
// of its own.
const defaultPromptTemplate = "You are a {agent_type} agent. Card: {card_title}\n\n" +
	"{card_description}\n\nPrevious output:\n{last_agent_output}\n\n" +
	"Perform your role; if reviewing, state APPROVED or REJECTED."

// PromptContext carries everything a column prompt template can reference.
type PromptContext struct {
	Card            domain.Card
	Column          domain.Column
	BoardName       string
	Comments        []domain.Comment
	LastAgentOutput string
}

// RenderPrompt expands a column's prompt template against the card. Unknown
// variables stay literal so a typo in a template is visible in the prompt
// rather than silently blank.
func RenderPrompt(template string, pc PromptContext) string {
	if template == "" {
		template = defaultPromptTemplate
	}
	repl := strings.NewReplacer(
		"{card_title}", pc.Card.Title,
		"{card_description}", pc.Card.Description,
		"{card_labels}", strings.Join(pc.Card.Labels, ", "),
		"{card_priority}", pc.Card.Priority,
		"{card_comments}", joinComments(pc.Comments),
		"{last_agent_output}", pc.LastAgentOutput,
		"{column_name}", pc.Column.Name,
		"{board_name}", pc.BoardName,
		"{agent_type}", pc.Column.AgentType,
	)
	return repl.Replace(template)
}

func joinComments(comments []domain.Comment) string {
	if len(comments) == 0 {
		return ""
	}
	parts := make([]string, 0, len(comments))
	for _, c := range comments {
		ts := c.CreatedAt.UTC().Format("2006-01-02 15:04:05")
		parts = append(parts, fmt.Sprintf("[%s] %s", ts, c.Content))
	}
	return strings.Join(parts, "\n")
}
