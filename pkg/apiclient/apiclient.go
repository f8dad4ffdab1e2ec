// Package apiclient is the REST counterpart of the websocket connection. It
// covers the operations that work without an open transaction: notify,
// enqueue, and dequeue.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dashlink/dashlink/pkg/config"
	"github.com/dashlink/dashlink/pkg/wire"
)

const requestTimeout = 20 * time.Second

// Client talks to the dashboard's REST API with the same API key the
// websocket uses.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
	logger *slog.Logger
}

// New derives the REST base URL from the websocket endpoint.
func New(cfg *config.Config) (*Client, error) {
	base, err := cfg.HTTPBase()
	if err != nil {
		return nil, err
	}
	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: requestTimeout},
		logger: slog.Default().With("component", "api-client"),
	}, nil
}

// Notify delivers a notification. CreatedAt is stamped here when the caller
// left it empty.
func (c *Client) Notify(ctx context.Context, inputs wire.NotifyInputs) error {
	if inputs.CreatedAt == "" {
		inputs.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	var returns wire.NotifyReturns
	if err := c.post(ctx, "notify", inputs, &returns); err != nil {
		return err
	}
	if returns.Type != "success" {
		return fmt.Errorf("apiclient: notify refused: %s", returns.Message)
	}
	return nil
}

// Enqueue queues an action invocation and returns its queue id.
func (c *Client) Enqueue(ctx context.Context, inputs wire.EnqueueActionInputs) (string, error) {
	var returns wire.EnqueueActionReturns
	if err := c.post(ctx, "actions/enqueue", inputs, &returns); err != nil {
		return "", err
	}
	if returns.Type != "success" {
		return "", fmt.Errorf("apiclient: enqueue refused: %s", returns.Message)
	}
	return returns.ID, nil
}

// Dequeue claims a previously queued invocation by id.
func (c *Client) Dequeue(ctx context.Context, id string) (*wire.DequeueActionReturns, error) {
	var returns wire.DequeueActionReturns
	if err := c.post(ctx, "actions/dequeue", wire.DequeueActionInputs{ID: id}, &returns); err != nil {
		return nil, err
	}
	if returns.Type != "success" {
		return nil, fmt.Errorf("apiclient: dequeue refused: %s", returns.Message)
	}
	return &returns, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("apiclient: marshal %s request: %w", path, err)
	}
	url := c.base + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("apiclient: build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("apiclient: read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("REST call failed", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("apiclient: %s returned status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("apiclient: decode %s response: %w", path, err)
	}
	return nil
}
