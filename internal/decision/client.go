package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/marketdata"
	"leverage-cycle-bot/internal/position"
)

// ClientConfig holds decision service client configuration
type ClientConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout: 30 * time.Second,
	}
}

// proposeRequest is the wire request to the decision service.
type proposeRequest struct {
	Snapshot  *marketdata.Snapshot `json:"snapshot"`
	Positions []*position.Position `json:"open_positions"`
}

// proposeResponse is the wire response from the decision service.
type proposeResponse struct {
	Signals []Signal `json:"signals"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client talks to the external decision service over HTTP.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new decision service client
func NewClient(config *ClientConfig, logger zerolog.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// ProposeSignals sends the market snapshot and open positions to the decision
// service and returns the candidate signals. Failures are transient from the
// caller's perspective: retried on the next scheduled cycle, never in a loop.
func (c *Client) ProposeSignals(ctx context.Context, snapshot *marketdata.Snapshot, positions []*position.Position) ([]Signal, error) {
	body, err := json.Marshal(proposeRequest{Snapshot: snapshot, Positions: positions})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal propose request: %w", err)
	}

	url := c.config.BaseURL + "/v1/signals/propose"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build propose request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decision service request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read decision service response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decision service returned status %d: %s", resp.StatusCode, string(raw))
	}

	var payload proposeResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode decision service response: %w", err)
	}
	if payload.Error != nil {
		return nil, fmt.Errorf("decision service error (%s): %s", payload.Error.Type, payload.Error.Message)
	}

	c.logger.Debug().Int("signals", len(payload.Signals)).Msg("decision service proposed signals")
	return payload.Signals, nil
}
