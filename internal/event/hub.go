// Package event provides in-process signal delivery for the sync core: a topic-scoped
// pub/sub hub for fire-and-forget signals and an ordered observer list for state changes.
package event

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBufferSize is the default per-subscriber channel buffer.
	DefaultBufferSize = 64
)

// Topic scopes hub subscriptions.
type Topic string

// Topics published by the sync core.
const (
	// TopicSync carries the opaque catch-up payload after each successful fetch.
	TopicSync Topic = "sync"
	// TopicChannelRemoved carries a channel removal together with its reason code.
	TopicChannelRemoved Topic = "channel.removed"
	// TopicEviction carries revoked/kicked removals that should move the user away from the channel.
	TopicEviction Topic = "channel.evicted"
	// TopicMessage carries message activity for the notification policy.
	TopicMessage Topic = "message"
	// TopicConnection carries connection state transitions for display.
	TopicConnection Topic = "connection"
)

// Event is the normalized payload emitted by the hub.
type Event struct {
	Topic Topic           `json:"topic"`
	Type  string          `json:"type"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// NewEvent builds an event and marshals data. Marshal failures leave Data empty.
func NewEvent(topic Topic, typ string, data any) Event {
	ev := Event{Topic: topic, Type: typ, At: time.Now().UTC()}
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		ev.Data = v
	default:
		if raw, err := json.Marshal(v); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Publisher publishes events to subscribers.
type Publisher interface {
	Publish(event Event)
}

// Subscriber subscribes to topic-scoped events.
type Subscriber interface {
	Subscribe(topic Topic, buffer int) (string, <-chan Event, func())
}

// Hub is an in-process pub/sub dispatcher for topic-scoped events.
type Hub struct {
	mu      sync.RWMutex
	streams map[Topic]map[string]chan Event
}

// NewHub creates an empty event hub.
func NewHub() *Hub {
	return &Hub{
		streams: map[Topic]map[string]chan Event{},
	}
}

// Publish broadcasts one event to all subscribers of its topic.
// Slow subscribers are dropped in a non-blocking way.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	topic := Topic(strings.TrimSpace(string(event.Topic)))
	if topic == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.streams[topic] {
		select {
		case ch <- event:
		default:
			// Drop if receiver is slow so the push reader never blocks.
		}
	}
}

// Subscribe registers one subscriber under a topic.
// It returns a stream ID, read-only event channel, and a cancel function.
func (h *Hub) Subscribe(topic Topic, buffer int) (string, <-chan Event, func()) {
	if h == nil {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	topic = Topic(strings.TrimSpace(string(topic)))
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	streamID := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	streams, ok := h.streams[topic]
	if !ok {
		streams = map[string]chan Event{}
		h.streams[topic] = streams
	}
	streams[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			streams := h.streams[topic]
			if streams != nil {
				if current, ok := streams[streamID]; ok {
					delete(streams, streamID)
					close(current)
				}
				if len(streams) == 0 {
					delete(h.streams, topic)
				}
			}
			h.mu.Unlock()
		})
	}

	return streamID, ch, cancel
}
