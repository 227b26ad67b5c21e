package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageType classifies a message.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeEvent     MessageType = "event"
	TypeBroadcast MessageType = "broadcast"
)

// Broadcast is the address that fans a message out to every subscriber of
// its channel.
const Broadcast = "broadcast"

// DefaultMaxQueue bounds a mailbox's message history when no capacity is
// configured.
const DefaultMaxQueue = 100

// Message is one unit of inter-worker communication.
type Message struct {
	ID            string        `json:"id"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Channel       string        `json:"channel"`
	Type          MessageType   `json:"type"`
	Payload       any           `json:"payload"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// Handler processes one delivered message. Handlers for the same message
// run concurrently; a panicking handler is isolated and logged.
type Handler func(ctx context.Context, msg *Message)

// Relay mirrors delivered messages to an external collaborator such as a
// durable stream. Mirroring is fire-and-forget.
type Relay interface {
	Mirror(ctx context.Context, msg *Message)
}

// ErrUnknownWorker is returned for a direct send to a name nobody joined
// under.
var ErrUnknownWorker = fmt.Errorf("unknown worker")

// Exchange connects per-worker mailboxes inside one process.
type Exchange struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	relay     Relay
	logger    *zap.Logger
}

// NewExchange creates an empty exchange.
func NewExchange(logger *zap.Logger) *Exchange {
	return &Exchange{
		mailboxes: make(map[string]*Mailbox),
		logger:    logger,
	}
}

// SetRelay attaches a mirror for delivered messages.
func (e *Exchange) SetRelay(r Relay) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relay = r
}

// Join creates (or returns) the mailbox for a worker name.
func (e *Exchange) Join(name string, maxQueue int) *Mailbox {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if mb, ok := e.mailboxes[name]; ok {
		return mb
	}
	mb := &Mailbox{
		name:     name,
		exchange: e,
		maxQueue: maxQueue,
		handlers: make(map[string][]subscription),
		logger:   e.logger,
	}
	e.mailboxes[name] = mb
	e.logger.Debug("mailbox joined", zap.String("worker", name))
	return mb
}

// Mailbox returns a joined worker's mailbox.
func (e *Exchange) Mailbox(name string) (*Mailbox, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mb, ok := e.mailboxes[name]
	return mb, ok
}

// Leave removes a worker's mailbox and drops its handlers and queue.
func (e *Exchange) Leave(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.mailboxes, name)
}

// dispatch routes one message: direct messages reach only the named
// mailbox, broadcasts reach every mailbox with handlers on the channel.
func (e *Exchange) dispatch(ctx context.Context, msg *Message) error {
	e.mu.RLock()
	relay := e.relay
	var targets []*Mailbox
	if msg.To == Broadcast {
		for _, mb := range e.mailboxes {
			targets = append(targets, mb)
		}
	} else if mb, ok := e.mailboxes[msg.To]; ok {
		targets = append(targets, mb)
	}
	e.mu.RUnlock()

	if msg.To != Broadcast && len(targets) == 0 {
		return fmt.Errorf("dispatch to %q: %w", msg.To, ErrUnknownWorker)
	}

	for _, mb := range targets {
		mb.deliver(ctx, msg)
	}
	if relay != nil {
		go relay.Mirror(context.WithoutCancel(ctx), msg)
	}
	return nil
}

type subscription struct {
	id      string
	handler Handler
}

// SendOptions tunes a direct send.
type SendOptions struct {
	Channel       string
	CorrelationID string
	Timeout       time.Duration
	Type          MessageType
}

// Mailbox is one worker's endpoint on the exchange: its subscriptions and
// its bounded FIFO of received messages.
type Mailbox struct {
	name     string
	exchange *Exchange
	maxQueue int

	mu       sync.Mutex
	handlers map[string][]subscription
	queue    []Message

	logger *zap.Logger
}

// Name returns the owning worker's name.
func (m *Mailbox) Name() string { return m.name }

// Subscribe registers a handler on a channel and returns its subscription id.
func (m *Mailbox) Subscribe(channel string, h Handler) string {
	id := uuid.New().String()
	m.mu.Lock()
	m.handlers[channel] = append(m.handlers[channel], subscription{id: id, handler: h})
	m.mu.Unlock()
	return id
}

// Unsubscribe removes one handler from a channel.
func (m *Mailbox) Unsubscribe(channel, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.handlers[channel]
	for i, s := range subs {
		if s.id == id {
			m.handlers[channel] = append(subs[:i], subs[i+1:]...)
			if len(m.handlers[channel]) == 0 {
				delete(m.handlers, channel)
			}
			return true
		}
	}
	return false
}

// Publish fans a message out on a channel to every subscribed mailbox.
func (m *Mailbox) Publish(ctx context.Context, channel string, payload any, typ MessageType) *Message {
	msg := m.newMessage(Broadcast, channel, payload, typ)
	_ = m.exchange.dispatch(ctx, msg)
	return msg
}

// Send delivers a message directly to one worker; it is not fanned out.
// Sending to an unjoined worker is a configuration error surfaced
// immediately.
func (m *Mailbox) Send(ctx context.Context, to string, payload any, opts SendOptions) (*Message, error) {
	channel := opts.Channel
	if channel == "" {
		channel = "direct"
	}
	typ := opts.Type
	if typ == "" {
		typ = TypeRequest
	}
	msg := m.newMessage(to, channel, payload, typ)
	msg.CorrelationID = opts.CorrelationID
	msg.Timeout = opts.Timeout
	if err := m.exchange.dispatch(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// BroadcastAll publishes to the given channels, or to every channel this
// mailbox is currently subscribed on when none are given.
func (m *Mailbox) BroadcastAll(ctx context.Context, payload any, channels ...string) []*Message {
	if len(channels) == 0 {
		channels = m.Channels()
	}
	out := make([]*Message, 0, len(channels))
	for _, ch := range channels {
		out = append(out, m.Publish(ctx, ch, payload, TypeBroadcast))
	}
	return out
}

// Channels returns the channels this mailbox has live subscriptions on.
func (m *Mailbox) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handlers))
	for ch := range m.handlers {
		out = append(out, ch)
	}
	return out
}

// Queue returns a snapshot of the received-message history, oldest first.
func (m *Mailbox) Queue() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.queue))
	copy(out, m.queue)
	return out
}

// deliver appends the message to the bounded history (drop-oldest on
// overflow) and runs every matching handler concurrently.
func (m *Mailbox) deliver(ctx context.Context, msg *Message) {
	m.mu.Lock()
	if len(m.queue) >= m.maxQueue {
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, *msg)
	subs := append([]subscription(nil), m.handlers[msg.Channel]...)
	m.mu.Unlock()

	// Handlers run after delivery returns; the sender's context (often a
	// request scope) must not cancel them mid-flight.
	hctx := context.WithoutCancel(ctx)
	for _, s := range subs {
		go m.runHandler(hctx, s, msg)
	}
}

// runHandler isolates one handler invocation; a failure never blocks or
// fails delivery to the others.
func (m *Mailbox) runHandler(ctx context.Context, s subscription, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message handler panicked",
				zap.String("worker", m.name),
				zap.String("channel", msg.Channel),
				zap.Any("panic", r))
		}
	}()
	s.handler(ctx, msg)
}

func (m *Mailbox) newMessage(to, channel string, payload any, typ MessageType) *Message {
	return &Message{
		ID:        uuid.New().String(),
		From:      m.name,
		To:        to,
		Channel:   channel,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
