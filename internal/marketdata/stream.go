package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PriceCache holds the latest streamed price per symbol.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]float64
	seen   map[string]time.Time
}

// NewPriceCache creates an empty price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{
		prices: make(map[string]float64),
		seen:   make(map[string]time.Time),
	}
}

// Set stores the latest price for a symbol.
func (pc *PriceCache) Set(symbol string, price float64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.prices[symbol] = price
	pc.seen[symbol] = time.Now()
}

// Get returns the latest price for a symbol.
func (pc *PriceCache) Get(symbol string) (float64, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	price, ok := pc.prices[symbol]
	return price, ok
}

// Update merges a snapshot into the cache.
func (pc *PriceCache) Update(s *Snapshot) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for sym, t := range s.Tickers {
		pc.prices[sym] = t.Price
		pc.seen[sym] = t.At
	}
}

// Stream subscribes to mark-price updates over websocket and keeps the price
// cache warm between cycles. Connection loss triggers reconnect with a fixed
// backoff; the loop exits on Stop.
type Stream struct {
	mu        sync.Mutex
	streamURL string
	symbols   []string
	cache     *PriceCache
	conn      *websocket.Conn
	stopChan  chan struct{}
	running   bool
	logger    zerolog.Logger
}

// markPriceEvent is the upstream mark-price payload.
type markPriceEvent struct {
	EventType string  `json:"e"`
	Symbol    string  `json:"s"`
	MarkPrice float64 `json:"p,string"`
}

// NewStream creates a price stream for the given symbols.
func NewStream(streamURL string, symbols []string, cache *PriceCache, logger zerolog.Logger) *Stream {
	return &Stream{
		streamURL: streamURL,
		symbols:   symbols,
		cache:     cache,
		stopChan:  make(chan struct{}),
		logger:    logger,
	}
}

// Start begins the read loop in a goroutine.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	s.running = true
	s.mu.Unlock()

	go s.runLoop()
	return nil
}

// Stop terminates the stream.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	close(s.stopChan)
	if conn != nil {
		conn.Close()
	}
}

func (s *Stream) runLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("price stream lost, reconnecting in 3s")
			time.Sleep(3 * time.Second)
		}
	}
}

func (s *Stream) connectAndRead() error {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@markPrice"
	}
	url := fmt.Sprintf("%s/%s", s.streamURL, strings.Join(streams, "/"))

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial price stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().Int("symbols", len(s.symbols)).Msg("price stream connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}

		var event markPriceEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Symbol != "" && event.MarkPrice > 0 {
			s.cache.Set(event.Symbol, event.MarkPrice)
		}
	}
}
