// Package jira is a minimal Jira Cloud REST client covering the operations
// the integration executors need. Credentials are the user's local email and
// API token; they never leave the worker machine.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client issues Jira REST v2 requests with basic auth.
type Client struct {
	BaseURL  string
	Email    string
	APIToken string
	HTTP     *http.Client
}

// NewClient constructs a Jira client.
func NewClient(baseURL, email, apiToken string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Email:    email,
		APIToken: apiToken,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Issue is the subset of a Jira issue the board cares about.
type Issue struct {
	Key         string
	Summary     string
	Description string
	Status      string
	Priority    string
	Labels      []string
}

// SearchIssues runs a JQL query and returns matching issues.
func (c *Client) SearchIssues(ctx context.Context, jql string, limit int) ([]Issue, error) {
	if limit <= 0 {
		limit = 50
	}
	var res struct {
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Summary     string `json:"summary"`
				Description string `json:"description"`
				Status      struct {
					Name string `json:"name"`
				} `json:"status"`
				Priority struct {
					Name string `json:"name"`
				} `json:"priority"`
				Labels []string `json:"labels"`
			} `json:"fields"`
		} `json:"issues"`
	}
	p := "/rest/api/2/search?jql=" + url.QueryEscape(jql) + fmt.Sprintf("&maxResults=%d", limit)
	if err := c.do(ctx, http.MethodGet, p, nil, &res); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(res.Issues))
	for _, i := range res.Issues {
		out = append(out, Issue{
			Key:         i.Key,
			Summary:     i.Fields.Summary,
			Description: i.Fields.Description,
			Status:      i.Fields.Status.Name,
			Priority:    i.Fields.Priority.Name,
			Labels:      i.Fields.Labels,
		})
	}
	return out, nil
}

// CreateIssue creates an issue and returns its key.
func (c *Client) CreateIssue(ctx context.Context, projectKey, issueType, summary, description string) (string, error) {
	body := map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": projectKey},
			"issuetype":   map[string]string{"name": issueType},
			"summary":     summary,
			"description": description,
		},
	}
	var res struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", body, &res); err != nil {
		return "", err
	}
	return res.Key, nil
}

// AddComment appends a comment to an issue.
func (c *Client) AddComment(ctx context.Context, issueKey, body string) error {
	return c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+issueKey+"/comment",
		map[string]string{"body": body}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=jira.do: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("op=jira.do: %w", err)
	}
	req.SetBasicAuth(c.Email, c.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=jira.do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("op=jira.do: %s: %s", resp.Status, raw)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
