package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agent_town/internal/domain"
)

const (
	DefaultBaseURL     = "http://localhost:8000"
	DefaultRoom        = "default"
	defaultTimeout     = 2 * time.Minute
	maxResponseBodyLen = 32 * 1024 * 1024
)

type Config struct {
	BaseURL string
	Room    string
	Timeout time.Duration
	Logger  *log.Logger
	Client  *http.Client
}

// Client talks to the simulation service. Every failure it returns is a
// *domain.ConnectivityError; nothing is retried.
type Client struct {
	baseURL string
	room    string
	logger  *log.Logger
	http    *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	parsed, err := url.ParseRequestURI(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", base, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", base)
	}
	room := strings.TrimSpace(cfg.Room)
	if room == "" {
		room = DefaultRoom
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		room:    room,
		logger:  cfg.Logger,
		http:    client,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Room() string {
	return c.room
}

func (c *Client) Health(ctx context.Context) (domain.HealthStatus, error) {
	var out domain.HealthStatus
	if err := c.do(ctx, "health check", http.MethodGet, "/api/health", nil, &out); err != nil {
		return domain.HealthStatus{}, err
	}
	return out, nil
}

func (c *Client) GetWorldState(ctx context.Context) (domain.WorldState, error) {
	var out struct {
		WorldState *domain.WorldState `json:"world_state"`
	}
	const op = "get world state"
	if err := c.do(ctx, op, http.MethodGet, c.roomPath("/state"), nil, &out); err != nil {
		return domain.WorldState{}, err
	}
	if out.WorldState == nil {
		return domain.WorldState{}, &domain.ConnectivityError{Op: op, Err: errors.New("response missing world_state")}
	}
	if err := out.WorldState.Validate(); err != nil {
		return domain.WorldState{}, &domain.ConnectivityError{Op: op, Err: err}
	}
	return *out.WorldState, nil
}

func (c *Client) SendMessage(ctx context.Context, req domain.MessageRequest) (domain.MessageResponse, error) {
	var out domain.MessageResponse
	const op = "send message"
	if err := c.do(ctx, op, http.MethodPost, c.roomPath("/message"), req, &out); err != nil {
		return domain.MessageResponse{}, err
	}
	if err := out.WorldState.Validate(); err != nil {
		return domain.MessageResponse{}, &domain.ConnectivityError{Op: op, Err: err}
	}
	return out, nil
}

func (c *Client) ClearRoom(ctx context.Context) error {
	return c.do(ctx, "clear room", http.MethodDelete, c.roomPath(""), nil, nil)
}

func (c *Client) AnalyzeTask(ctx context.Context, description string) (domain.TaskAnalysis, error) {
	var out domain.TaskAnalysis
	const op = "analyze task"
	if err := c.do(ctx, op, http.MethodPost, "/api/analyze-task", map[string]string{"description": description}, &out); err != nil {
		return domain.TaskAnalysis{}, err
	}
	for i, step := range out.Steps {
		if strings.TrimSpace(step.Agent) == "" {
			return domain.TaskAnalysis{}, &domain.ConnectivityError{Op: op, Err: fmt.Errorf("step %d has empty agent", i)}
		}
	}
	return out, nil
}

func (c *Client) PublishCollaborativeTask(ctx context.Context, req domain.CollaborativeTaskRequest) (domain.CollaborativeResult, error) {
	var out domain.CollaborativeResult
	const op = "publish collaborative task"
	if err := c.do(ctx, op, http.MethodPost, c.roomPath("/collaborative-task"), req, &out); err != nil {
		return domain.CollaborativeResult{}, err
	}
	if err := out.FinalWorldState.Validate(); err != nil {
		return domain.CollaborativeResult{}, &domain.ConnectivityError{Op: op, Err: err}
	}
	return out, nil
}

func (c *Client) roomPath(suffix string) string {
	return "/api/rooms/" + url.PathEscape(c.room) + suffix
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &domain.ConnectivityError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return &domain.ConnectivityError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Printf("backend request failed op=%q method=%s path=%s err=%v", op, method, path, err)
		return &domain.ConnectivityError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		c.logger.Printf("backend request rejected op=%q method=%s path=%s status=%d", op, method, path, resp.StatusCode)
		return &domain.ConnectivityError{Op: op, StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLen))
	if err != nil {
		return &domain.ConnectivityError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &domain.ConnectivityError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	c.logger.Printf("backend request ok op=%q status=%d elapsed=%s", op, resp.StatusCode, time.Since(start).Round(time.Millisecond))
	return nil
}
