// Package gitlab is a minimal GitLab REST client covering the operations the
// integration executors need. The token is the user's local personal access
// token; it never leaves the worker machine.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client issues GitLab v4 API requests with a private token.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient constructs a GitLab client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Project is the subset of a GitLab project the board cares about.
type Project struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path_with_namespace"`
	WebURL string `json:"web_url"`
}

// GetProject resolves a project by its namespaced path.
func (c *Client) GetProject(ctx context.Context, path string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodGet, "/api/v4/projects/"+url.PathEscape(path), nil, &p)
	return p, err
}

// CreateProject creates a project under the token owner's namespace.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, "/api/v4/projects",
		map[string]string{"name": name, "description": description}, &p)
	return p, err
}

// IssueRef identifies a created issue.
type IssueRef struct {
	IID    int    `json:"iid"`
	WebURL string `json:"web_url"`
}

// CreateIssue files an issue on a project.
func (c *Client) CreateIssue(ctx context.Context, projectID int, title, description string, labels []string) (IssueRef, error) {
	var ref IssueRef
	err := c.do(ctx, http.MethodPost, "/api/v4/projects/"+strconv.Itoa(projectID)+"/issues",
		map[string]string{
			"title":       title,
			"description": description,
			"labels":      strings.Join(labels, ","),
		}, &ref)
	return ref, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=gitlab.do: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("op=gitlab.do: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=gitlab.do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("op=gitlab.do: %s: %s", resp.Status, raw)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
