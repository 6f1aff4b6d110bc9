// Package notify fans new-message events out to in-process subscribers and,
// when Redis is configured, across instances.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/sirupsen/logrus"
)

// TypeNewMessage is the only event type emitted today.
const TypeNewMessage = "message.new"

// Event announces a message that was stored for the first time.
type Event struct {
	Type            string    `json:"type"`
	AccountID       string    `json:"account_id"`
	Platform        string    `json:"platform"`
	ThreadID        string    `json:"thread_id"`
	RemoteThreadID  string    `json:"remote_thread_id"`
	MessageID       string    `json:"message_id"`
	RemoteMessageID string    `json:"remote_message_id"`
	FromUser        string    `json:"from_user"`
	Body            string    `json:"body"`
	SentAt          time.Time `json:"sent_at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type subscription struct {
	ch chan Event
}

// Hub delivers events to subscribers of an account. Slow subscribers lose
// events rather than blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	log    logrus.FieldLogger
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int, log logrus.FieldLogger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
		log:    logging.OrDiscard(log).WithField("component", "notify"),
	}
}

// Subscribe registers for events of accountID. cancel closes the channel.
func (h *Hub) Subscribe(accountID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*subscription]struct{})
	}
	h.subs[accountID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[accountID], sub)
			if len(h.subs[accountID]) == 0 {
				delete(h.subs, accountID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish hands ev to every current subscriber of its account.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.AccountID] {
		select {
		case sub.ch <- ev:
		default:
			h.log.WithFields(logrus.Fields{
				"account_id": ev.AccountID,
				"message_id": ev.MessageID,
			}).Warn("subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Subscribers counts the live subscriptions of accountID.
func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}
