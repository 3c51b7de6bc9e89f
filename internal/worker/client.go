package worker

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

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// Client talks the worker protocol to the dispatch server. All methods map
// HTTP status codes onto the domain error taxonomy so the runner can branch
// on sentinels.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient constructs a protocol client for the given server.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Login exchanges credentials for a bearer token and stores it on the
// client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var res struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login",
		map[string]string{"username": username, "password": password}, &res)
	if err != nil {
		return err
	}
	c.Token = res.Token
	return nil
}

// RegisterResponse mirrors the server's registration reply.
type RegisterResponse struct {
	Worker                   domain.WorkerView `json:"worker"`
	PollIntervalSeconds      int               `json:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int               `json:"heartbeat_interval_seconds"`
	MaxConcurrentTasks       int               `json:"max_concurrent_tasks"`
}

// Register announces this process and returns the server's directives.
func (c *Client) Register(ctx context.Context, hostname, version string, capabilities []string, maxConcurrent int) (RegisterResponse, error) {
	var res RegisterResponse
	err := c.do(ctx, http.MethodPost, "/workers/register", map[string]any{
		"hostname":             hostname,
		"version":              version,
		"capabilities":         capabilities,
		"max_concurrent_tasks": maxConcurrent,
	}, &res)
	return res, err
}

// HeartbeatResponse mirrors the server's heartbeat reply.
type HeartbeatResponse struct {
	CancelTaskIDs      []string `json:"cancel_task_ids"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

// Heartbeat reports liveness and the in-flight task ids.
func (c *Client) Heartbeat(ctx context.Context, workerID string, runningTaskIDs []string, load float64) (HeartbeatResponse, error) {
	var res HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/workers/heartbeat", map[string]any{
		"worker_id":        workerID,
		"running_task_ids": runningTaskIDs,
		"load":             load,
	}, &res)
	return res, err
}

// Deregister marks the worker offline on clean shutdown.
func (c *Client) Deregister(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "/workers/deregister",
		map[string]string{"worker_id": workerID}, nil)
}

// Poll fetches up to limit claimable pending tasks.
func (c *Client) Poll(ctx context.Context, workerID string, limit int) ([]domain.TaskView, error) {
	var res struct {
		Tasks []domain.TaskView `json:"tasks"`
	}
	p := "/workers/tasks/poll?worker_id=" + url.QueryEscape(workerID) + "&limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, p, nil, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

// Claim attempts the atomic claim; domain.ErrConflict means another worker
// won.
func (c *Client) Claim(ctx context.Context, workerID, taskID string) (domain.TaskView, error) {
	var res struct {
		Task domain.TaskView `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "/workers/tasks/"+taskID+"/claim",
		map[string]string{"worker_id": workerID}, &res)
	return res.Task, err
}

// Progress streams incremental executor output.
func (c *Client) Progress(ctx context.Context, workerID, taskID, text string) error {
	return c.do(ctx, http.MethodPost, "/workers/tasks/"+taskID+"/progress",
		map[string]string{"worker_id": workerID, "text": text}, nil)
}

// Complete reports a successful execution.
func (c *Client) Complete(ctx context.Context, workerID, taskID, outputText string) error {
	return c.do(ctx, http.MethodPost, "/workers/tasks/"+taskID+"/complete",
		map[string]string{"worker_id": workerID, "output_text": outputText}, nil)
}

// Fail reports a failed execution.
func (c *Client) Fail(ctx context.Context, workerID, taskID, errorSummary, outputText string) error {
	return c.do(ctx, http.MethodPost, "/workers/tasks/"+taskID+"/fail",
		map[string]string{"worker_id": workerID, "error_summary": errorSummary, "output_text": outputText}, nil)
}

// CreateCard pushes a generated card back to the board. Used by import and
// card_gen executors.
func (c *Client) CreateCard(ctx context.Context, boardID, columnID, title, description string, labels []string) error {
	return c.do(ctx, http.MethodPost, "/cards", map[string]any{
		"board_id":    boardID,
		"column_id":   columnID,
		"title":       title,
		"description": description,
		"labels":      labels,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=client.do: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("op=client.do: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=client.do: %w: %v", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("op=client.do: decode: %w", err)
		}
	}
	return nil
}

func statusError(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConflict, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnavailable, msg)
	}
}
