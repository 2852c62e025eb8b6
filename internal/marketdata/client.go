// Package marketdata implements the market data collaborator: a REST client
// for per-symbol ticker snapshots with concurrent fan-out, and a websocket
// stream that keeps a price cache warm between cycles.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ticker is one symbol's market state at a point in time.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price,string"`
	Volume24h float64   `json:"volume,string"`
	At        time.Time `json:"-"`
}

// Snapshot is the per-cycle market view: one ticker per symbol that fetched
// successfully.
type Snapshot struct {
	TakenAt time.Time         `json:"taken_at"`
	Tickers map[string]Ticker `json:"tickers"`
}

// Price returns the snapshot price for a symbol.
func (s *Snapshot) Price(symbol string) (float64, bool) {
	t, ok := s.Tickers[symbol]
	if !ok {
		return 0, false
	}
	return t.Price, true
}

// Prices returns the snapshot as a symbol -> price map.
func (s *Snapshot) Prices() map[string]float64 {
	prices := make(map[string]float64, len(s.Tickers))
	for sym, t := range s.Tickers {
		prices[sym] = t.Price
	}
	return prices
}

// ClientConfig holds market data client configuration
type ClientConfig struct {
	BaseURL   string        `json:"base_url"`
	StreamURL string        `json:"stream_url"`
	Timeout   time.Duration `json:"timeout"`
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:   "https://fapi.binance.com",
		StreamURL: "wss://fstream.binance.com/ws",
		Timeout:   10 * time.Second,
	}
}

// Client fetches ticker data over REST.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new market data client
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

// FetchTicker fetches the current ticker for one symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	url := fmt.Sprintf("%s/fapi/v1/ticker/24hr?symbol=%s", c.config.BaseURL, symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ticker request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ticker request for %s failed: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ticker request for %s returned status %d", symbol, resp.StatusCode)
	}

	var payload struct {
		Symbol    string  `json:"symbol"`
		LastPrice float64 `json:"lastPrice,string"`
		Volume    float64 `json:"quoteVolume,string"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode ticker for %s: %w", symbol, err)
	}

	return &Ticker{
		Symbol:    payload.Symbol,
		Price:     payload.LastPrice,
		Volume24h: payload.Volume,
		At:        time.Now(),
	}, nil
}

// FetchSnapshot fetches tickers for all symbols concurrently. Failed symbols
// are reported in the returned error map rather than failing the snapshot;
// the caller decides whether a missing symbol is tolerable.
func (c *Client) FetchSnapshot(ctx context.Context, symbols []string) (*Snapshot, map[string]error) {
	snapshot := &Snapshot{
		TakenAt: time.Now(),
		Tickers: make(map[string]Ticker, len(symbols)),
	}
	failures := make(map[string]error)

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()

			ticker, err := c.FetchTicker(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[symbol] = err
				return
			}
			snapshot.Tickers[symbol] = *ticker
		}(symbol)
	}

	wg.Wait()

	if len(failures) > 0 {
		c.logger.Warn().Int("failed", len(failures)).Int("requested", len(symbols)).Msg("partial snapshot fetch")
	}

	return snapshot, failures
}
