// Package broadcast fans out named events to subscribers over
// bounded, drop-oldest ring channels, the way
// warthog618-modem/at.AT's indication registry fans URC lines out to
// prefix-keyed subscribers — adapted here from AT-line prefixes to
// named broadcast event kinds for the WebSocket gateway and any other
// in-process listener.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Kind identifies the category of a broadcast Event, mirrored as the
// "type" field of its JSON encoding for WebSocket clients.
type Kind string

const (
	KindRawData      Kind = "raw_data"
	KindPDCPData     Kind = "pdcp_data"
	KindNewSMS       Kind = "new_sms"
	KindIncomingCall Kind = "incoming_call"
	KindSystemLog    Kind = "system_log"
)

// Event is a single broadcastable notification.
type Event struct {
	Type Kind        `json:"type"`
	Data interface{} `json:"data"`
}

// Encode renders the event as the JSON line sent to WebSocket clients.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

const subscriberBuffer = 64

// Bus is a registry of subscriber channels. Zero value is not usable;
// construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	logger      *slog.Logger
}

// New returns an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subscribers: make(map[int]chan Event), logger: logger}
}

// Subscribe registers a new listener and returns its event channel
// and an unsubscribe function. The channel is closed once Unsubscribe
// is called.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish fans event out to every current subscriber. A subscriber
// whose buffer is full has its oldest queued event dropped to make
// room, so one slow reader never backpressures the publisher or other
// subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
				b.logger.Warn("broadcast: dropped event for slow subscriber", "subscriber", id, "type", event.Type)
			}
		}
	}
}

// SubscriberCount reports how many subscribers are currently
// registered; used by metrics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
