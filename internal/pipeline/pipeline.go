// Package pipeline implements the notification bus (spec C6): a
// multicast, strictly-per-producer-ordered channel of typed
// Notification values fanning out to many subscribers, generalizing the
// teacher's internal/events.Bus (nil-safe publish, per-subscriber
// buffered channels, drop-on-overflow) to a closed tagged-union payload
// and an explicit connect/shutdown lifecycle (spec.md §4.6).
package pipeline

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opennetty/opennetty-core/internal/gateway"
	"github.com/opennetty/opennetty-core/internal/message"
)

// Transaction is the opaque correlation id spec.md §3 attaches to a
// MessageReady notification and echoes on its matching outcome.
type Transaction = uuid.UUID

// NewTransaction mints a fresh transaction id, the way the teacher mints
// delegate/request ids with google/uuid.
func NewTransaction() Transaction {
	return uuid.New()
}

// Kind is the closed set of notification variants from spec.md §3.
type Kind int

const (
	MessageReady Kind = iota
	MessageSent
	MessageReceived
	GatewayBusy
	InvalidAction
	InvalidFrame
	NoAcknowledgmentReceived
	NoActionReceived
)

func (k Kind) String() string {
	names := [...]string{
		"MessageReady", "MessageSent", "MessageReceived", "GatewayBusy",
		"InvalidAction", "InvalidFrame", "NoAcknowledgmentReceived", "NoActionReceived",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return "Unknown"
	}
	return names[k]
}

// SessionRef names the session a notification travelled over, without
// pulling the full session package in as a dependency (pipeline sits
// below session in the import graph).
type SessionRef struct {
	ID   string
	Type gateway.SessionType
}

// Notification is the sum type from spec.md §3. Which fields are
// meaningful depends on Kind: MessageReady carries Options and
// Transaction but a zero SessionRef (no session has picked it up yet);
// MessageReceived carries no Transaction (it was never submitted by a
// caller); the five failure kinds (GatewayBusy, InvalidAction,
// InvalidFrame, NoActionReceived, NoAcknowledgmentReceived) carry
// Transaction and the Session that attempted the send, except a
// NoAcknowledgmentReceived raised because the gateway had no live
// routing session, which carries a zero SessionRef.
type Notification struct {
	Kind        Kind
	Gateway     string
	Session     SessionRef
	Message     message.Message
	Options     gateway.SendOptions
	Transaction Transaction
}

// Bus is a single-reader, multi-subscriber notification channel. An
// upstream producer calls Publish; Connect starts the internal pump that
// fans notifications out to subscribers in publish order. Before
// Connect, published notifications queue in a bounded input channel —
// "up to memory limits" per spec.md §4.6, realized here as a generous
// fixed buffer rather than an unbounded queue.
type Bus struct {
	input chan Notification
	done  chan struct{}
	once  sync.Once

	mu         sync.RWMutex
	subs       map[chan Notification]struct{}
	recvToSend map[<-chan Notification]chan Notification

	logger *slog.Logger
}

const inputBufferSize = 4096

// New creates a Bus ready to accept Publish calls. Connect must be
// called once before any subscriber sees a notification.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		input:      make(chan Notification, inputBufferSize),
		done:       make(chan struct{}),
		subs:       make(map[chan Notification]struct{}),
		recvToSend: make(map[<-chan Notification]chan Notification),
		logger:     logger,
	}
}

// Publish enqueues n for dispatch. Blocks only if the input buffer is
// exhausted (a producer stalling the whole bus, not a slow subscriber —
// that is handled per-subscriber with drop-on-overflow in dispatch).
// Safe to call on a nil receiver, mirroring the teacher's nil-safe Bus.
func (b *Bus) Publish(n Notification) {
	if b == nil {
		return
	}
	select {
	case b.input <- n:
	case <-b.done:
	}
}

// Connect binds the internal pump, which fans notifications out to
// subscribers in the order Publish was called. Idempotent: only the
// first call starts the pump.
func (b *Bus) Connect() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		go b.run()
	})
}

func (b *Bus) run() {
	for {
		select {
		case n := <-b.input:
			b.dispatch(n)
		case <-b.done:
			return
		}
	}
}

// dispatch fans n out to every current subscriber. A subscriber whose
// buffer is full drops the notification rather than blocking the other
// subscribers or the pump — this is the "bounded per-subscriber
// buffering with error-on-overflow" spec.md §4.6 allows, realized as a
// logged drop rather than a returned error since there is no caller on
// this side of the fan-out to return it to.
func (b *Bus) dispatch(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.logger.Warn("pipeline: subscriber buffer full, dropping notification",
				"kind", n.Kind, "gateway", n.Gateway)
		}
	}
}

// Subscribe returns a channel receiving every notification published
// from this point forward. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Notification {
	ch := make(chan Notification, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call more than once with the same channel.
func (b *Bus) Unsubscribe(ch <-chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// Shutdown marks the channel complete: the pump goroutine stops and
// every current subscriber's channel is closed, so a ranging subscriber
// observes completion rather than hanging forever.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return // already shut down
	default:
		close(b.done)
	}
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Notification]struct{})
	b.recvToSend = make(map[<-chan Notification]chan Notification)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
