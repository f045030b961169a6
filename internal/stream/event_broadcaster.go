// Package stream pushes appended trace events to WebSocket subscribers.
// Each subscriber only receives events for units it may see.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/custodyledger/internal/unit"
	"github.com/onnwee/custodyledger/internal/visibility"
)

// DefaultBufferSize is the number of messages queued per subscriber before
// new messages are dropped for it.
const DefaultBufferSize = 64

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// MessageTypeTraceEvent tags messages carrying an appended event.
const MessageTypeTraceEvent = "trace_event"

// Message is the JSON payload sent to subscribers.
type Message struct {
	Type           string          `json:"type"`
	UnitID         string          `json:"unitId"`
	Status         unit.Status     `json:"status"`
	CurrentOwnerID string          `json:"currentOwnerId"`
	Event          unit.TraceEvent `json:"event"`
}

// Conn is the part of a WebSocket connection the broadcaster writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Subscription is one connected subscriber.
type Subscription struct {
	principal unit.Principal
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Broadcaster fans ledger events out to subscribers. It implements the
// engine's Notifier; Publish never blocks on a subscriber.
type Broadcaster struct {
	mu           sync.RWMutex
	subs         map[*Subscription]struct{}
	logger       *slog.Logger
	metrics      *Metrics
	bufferSize   int
	writeTimeout time.Duration
}

// NewBroadcaster creates a broadcaster. Logger and metrics may be nil.
func NewBroadcaster(logger *slog.Logger, metrics *Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:         make(map[*Subscription]struct{}),
		logger:       logger,
		metrics:      metrics,
		bufferSize:   DefaultBufferSize,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Subscribe registers conn for principal and starts its writer.
func (b *Broadcaster) Subscribe(principal unit.Principal, conn Conn) *Subscription {
	s := &Subscription{
		principal: principal,
		conn:      conn,
		send:      make(chan []byte, b.bufferSize),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	b.setSubscribers(n)

	go b.writeLoop(s)
	return s
}

// Unsubscribe removes s and closes its connection. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	n := len(b.subs)
	b.mu.Unlock()
	if ok {
		b.setSubscribers(n)
	}
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Publish sends ev to every subscriber that may see u.
func (b *Broadcaster) Publish(u unit.TrackedUnit, ev unit.TraceEvent) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if visibility.CanView(&u, s.principal) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(Message{
		Type:           MessageTypeTraceEvent,
		UnitID:         u.UnitID,
		Status:         u.Status,
		CurrentOwnerID: u.CurrentOwnerID,
		Event:          ev,
	})
	if err != nil {
		b.logger.Error("failed to marshal trace event", "error", err, "unit_id", u.UnitID)
		return
	}

	for _, s := range targets {
		select {
		case s.send <- data:
		case <-s.done:
		default:
			b.metrics.IncMessagesDropped()
			b.logger.Warn("dropping trace event for slow subscriber",
				"unit_id", u.UnitID,
				"event_id", ev.EventID,
				"principal_id", s.principal.ID)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		b.Unsubscribe(s)
	}
}

func (b *Broadcaster) writeLoop(s *Subscription) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Warn("failed to send message to websocket client",
					"error", err,
					"principal_id", s.principal.ID)
				b.metrics.IncWriteErrors()
				b.Unsubscribe(s)
				return
			}
			b.metrics.IncMessagesSent()
		}
	}
}

func (b *Broadcaster) setSubscribers(n int) {
	b.metrics.SetSubscribers(n)
}
