// Package notify delivers out-of-band alerts (incoming calls, new
// SMS, signal and memory warnings) to one or more Channels, the way
// the gateway daemon's MQTT publish path forwarded outbound events
// alongside its HTTP surface.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Category names a class of notification a Manager delivers, used
// both for per-category enable flags and for channel routing.
type Category string

const (
	CategoryCall       Category = "call"
	CategoryMemoryFull Category = "memory-full"
	CategorySMS        Category = "sms"
	CategorySignal     Category = "signal"
)

// Channel is a destination a Manager can deliver notifications to.
// Implementations must not block indefinitely; Send is called from
// the urc dispatcher's single goroutine and a slow channel would
// delay every other unsolicited event.
type Channel interface {
	Send(category Category, title, body string) error
}

// Manager fans a notification out to every enabled Channel, skipping
// categories the caller has disabled and logging (rather than
// propagating) channel errors so one misbehaving channel never stops
// another from being tried.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	enabled  map[Category]bool
	logger   *slog.Logger
}

// NewManager returns a Manager with every known Category enabled.
func NewManager(logger *slog.Logger, channels ...Channel) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: channels,
		enabled: map[Category]bool{
			CategoryCall:       true,
			CategoryMemoryFull: true,
			CategorySMS:        true,
			CategorySignal:     true,
		},
		logger: logger,
	}
}

// SetEnabled toggles delivery for a category. Disabled categories are
// silently dropped by Notify.
func (m *Manager) SetEnabled(category Category, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[category] = enabled
}

// Notify delivers title/body to every channel registered with the
// Manager, provided the category is enabled. It implements
// urc.Notifier.
func (m *Manager) Notify(category, title, body string) {
	cat := Category(category)
	m.mu.RLock()
	enabled := m.enabled[cat]
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	if !enabled {
		return
	}
	for _, ch := range channels {
		if err := ch.Send(cat, title, body); err != nil {
			m.logger.Warn("notify: channel delivery failed", "category", category, "err", err)
		}
	}
}

// LogChannel delivers notifications as structured log lines, the
// always-on fallback channel every deployment gets regardless of
// whether MQTT is configured.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel returns a Channel that writes to logger (or the
// default logger if nil).
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(category Category, title, body string) error {
	c.logger.Info("notification", "category", string(category), "title", title, "body", body, "at", time.Now().Format(time.RFC3339))
	return nil
}

// disabledErr is returned by NewMQTTChannel when the broker connection
// does not complete within MQTTConfig.ConnectWait.
type disabledErr struct{ channel string }

func (e disabledErr) Error() string { return fmt.Sprintf("notify: %s channel is disabled", e.channel) }
