// Package protect asks the orchestrating infrastructure to keep this worker
// alive while a job is in flight, via the ECS task-protection agent endpoint.
// The signal is best-effort: when it fails, processing continues and the
// at-least-once redelivery design absorbs a forcible termination.
package protect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sevigo/review-queue/internal/core"
)

const statePath = "/task-protection/v1/state"

// Client talks to the local task-protection agent.
type Client struct {
	agentURI string
	http     *http.Client
	logger   *slog.Logger
}

func NewClient(agentURI string, logger *slog.Logger) *Client {
	return &Client{
		agentURI: agentURI,
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

var _ core.TaskProtector = (*Client)(nil)

type stateRequest struct {
	ProtectionEnabled bool `json:"ProtectionEnabled"`
	ExpiresInMinutes  int  `json:"ExpiresInMinutes,omitempty"`
}

// Protect extends the execution budget by d, rounded up to whole minutes.
func (c *Client) Protect(ctx context.Context, d time.Duration) error {
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return c.setState(ctx, stateRequest{ProtectionEnabled: true, ExpiresInMinutes: minutes})
}

// Unprotect releases the extension.
func (c *Client) Unprotect(ctx context.Context) error {
	return c.setState(ctx, stateRequest{ProtectionEnabled: false})
}

func (c *Client) setState(ctx context.Context, state stateRequest) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal protection state: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.agentURI+statePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build protection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("task protection agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("task protection agent returned %d", resp.StatusCode)
	}
	c.logger.Debug("task protection state updated", "enabled", state.ProtectionEnabled, "minutes", state.ExpiresInMinutes)
	return nil
}

// Noop satisfies core.TaskProtector when no agent endpoint is configured,
// e.g. outside the managed runtime.
type Noop struct{}

func (Noop) Protect(context.Context, time.Duration) error { return nil }
func (Noop) Unprotect(context.Context) error              { return nil }
