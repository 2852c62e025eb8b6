// Package notification fans alert messages out to configured providers.
// Delivery is fire-and-forget from the trading loop's perspective: a failed
// send is logged and never blocks or fails a cycle.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyPositionOpen  NotificationType = "position_open"
	NotifyPositionClose NotificationType = "position_close"
	NotifyBreakerTrip   NotificationType = "breaker_trip"
	NotifyBreakerReset  NotificationType = "breaker_reset"
	NotifyEmergency     NotificationType = "emergency_close"
	NotifyError         NotificationType = "error"
	NotifyInfo          NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		logger:    logger,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Notify delivers to all enabled providers in the background.
func (m *Manager) Notify(notification *Notification) {
	if !m.enabled {
		return
	}
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		go func(n Notifier) {
			if err := n.Send(notification); err != nil {
				m.logger.Warn().Err(err).Str("provider", n.Name()).Msg("notification send failed")
			}
		}(n)
	}
}

// NotifyPositionOpened announces a confirmed entry fill.
func (m *Manager) NotifyPositionOpened(symbol, side string, price, quantity float64, leverage int) {
	m.Notify(&Notification{
		Type:      NotifyPositionOpen,
		Title:     fmt.Sprintf("Position Opened: %s", symbol),
		Message:   fmt.Sprintf("%s %s @ %.4f\nQuantity: %.6f | Leverage: %dx", side, symbol, price, quantity, leverage),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	})
}

// NotifyPositionClosed announces a settled close with its realized P&L.
func (m *Manager) NotifyPositionClosed(symbol string, entryPrice, exitPrice, pnl float64, reason string) {
	m.Notify(&Notification{
		Type:      NotifyPositionClose,
		Title:     fmt.Sprintf("Position Closed: %s", symbol),
		Message:   fmt.Sprintf("Entry: %.4f / Exit: %.4f\nP&L: %.4f\nReason: %s", entryPrice, exitPrice, pnl, reason),
		Symbol:    symbol,
		Price:     exitPrice,
		PnL:       pnl,
		Timestamp: time.Now(),
	})
}

// NotifyBreakerTripped announces a daily-loss halt.
func (m *Manager) NotifyBreakerTripped(dailyPnL, equity float64) {
	m.Notify(&Notification{
		Type:      NotifyBreakerTrip,
		Title:     "Circuit Breaker TRIPPED",
		Message:   fmt.Sprintf("Daily P&L: %.2f\nEquity: %.2f\nAll positions liquidated, entries halted until manual reset.", dailyPnL, equity),
		PnL:       dailyPnL,
		Timestamp: time.Now(),
	})
}

// NotifyBreakerReset announces confirmed reactivation.
func (m *Manager) NotifyBreakerReset() {
	m.Notify(&Notification{
		Type:      NotifyBreakerReset,
		Title:     "Circuit Breaker Reset",
		Message:   "Breaker reactivated, new entries are allowed again.",
		Timestamp: time.Now(),
	})
}

// NotifyEmergencyClose announces a forced per-position liquidation.
func (m *Manager) NotifyEmergencyClose(symbol string, pnl float64) {
	m.Notify(&Notification{
		Type:      NotifyEmergency,
		Title:     fmt.Sprintf("Emergency Liquidation: %s", symbol),
		Message:   fmt.Sprintf("Position force-closed on excessive loss.\nP&L: %.4f", pnl),
		Symbol:    symbol,
		PnL:       pnl,
		Timestamp: time.Now(),
	})
}

// NotifyErrorf sends an error notification.
func (m *Manager) NotifyErrorf(title, format string, args ...interface{}) {
	m.Notify(&Notification{
		Type:      NotifyError,
		Title:     title,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	switch {
	case notification.Type == NotifyError || notification.Type == NotifyBreakerTrip || notification.Type == NotifyEmergency:
		color = 0xFF0000
	case notification.Type == NotifyPositionClose && notification.PnL < 0:
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", notification.Price), "inline": true,
			})
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.4f", notification.PnL), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
