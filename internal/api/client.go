package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/orchestrator"
)

// Client drives the battle endpoints of a running `ralph serve`.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at addr. addr may be a bare
// host:port or a full URL. A nil hc uses a client with a 10s timeout.
func NewClient(addr string, hc *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(addr, "/"), http: hc}
}

// Battle returns the server's current battle, or nil when it has none.
func (c *Client) Battle(ctx context.Context) (*orchestrator.BattleState, error) {
	var resp struct {
		Active bool                      `json:"active"`
		State  *orchestrator.BattleState `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/battle", nil, &resp); err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (c *Client) PauseBattle(ctx context.Context) (*orchestrator.BattleState, error) {
	return c.control(ctx, "pause", nil)
}

func (c *Client) ResumeBattle(ctx context.Context) (*orchestrator.BattleState, error) {
	return c.control(ctx, "resume", nil)
}

func (c *Client) ApproveBattle(ctx context.Context) (*orchestrator.BattleState, error) {
	return c.control(ctx, "approve", nil)
}

// CancelBattle cancels the server's battle. An empty reason lets the
// server pick its default.
func (c *Client) CancelBattle(ctx context.Context, reason string) (*orchestrator.BattleState, error) {
	var body any
	if reason != "" {
		body = cancelRequest{Reason: reason}
	}
	return c.control(ctx, "cancel", body)
}

func (c *Client) control(ctx context.Context, op string, body any) (*orchestrator.BattleState, error) {
	var state orchestrator.BattleState
	if err := c.do(ctx, http.MethodPost, "/api/battle/"+op, body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// do sends one request and decodes the response into out. Error bodies
// come back as *apperr.Error with the server's code.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach ralph server at %s (is 'ralph serve' running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			return apperr.New(eb.Code, "%s", eb.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
