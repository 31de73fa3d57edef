// Package service implements the client-facing API (spec C8): it builds
// messages with internal/message's constructors, submits them through
// the pipeline bus, and correlates the worker pool's outcome
// notifications back to the caller by transaction id.
//
// The correlation shape is grounded on the teacher's
// homeassistant.WSClient.sendAndWait: register a channel keyed by an id
// before writing, then let a single dispatch loop hand the matching
// reply to whichever caller is waiting on it. Here the "read loop" is
// the shared pipeline.Bus rather than one connection's reader, and the
// key is a pipeline.Transaction rather than a request id, but the
// subscribe-before-publish discipline is the same: a reply can never
// race ahead of the channel registered to receive it.
package service

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/opennetty/opennetty-core/internal/gateway"
	"github.com/opennetty/opennetty-core/internal/message"
	"github.com/opennetty/opennetty-core/internal/opnerr"
	"github.com/opennetty/opennetty-core/internal/pipeline"
	"github.com/opennetty/opennetty-core/internal/resilience"
)

// Service is the client surface over a pipeline bus and a set of
// configured gateways. All operations accept an optional explicit
// gateway; absent one, spec.md §4.8 resolves it by matching the given
// protocol among the configured gateways.
type Service struct {
	bus      *pipeline.Bus
	gateways []gateway.Gateway
	policy   resilience.Policy
	logger   *slog.Logger
}

// New creates a Service over bus, resolving unaddressed operations
// against gateways and retrying sends per policy.
func New(bus *pipeline.Bus, gateways []gateway.Gateway, policy resilience.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{bus: bus, gateways: gateways, policy: policy, logger: logger}
}

// resolveGateway returns explicit if given, otherwise the first
// configured gateway speaking protocol (spec.md §4.8). There is no
// taxonomy entry for "no gateway configured for this protocol"; it is
// surfaced as UnsupportedProtocol, the closest existing kind, since from
// the caller's perspective the protocol is not usable either way.
func (s *Service) resolveGateway(protocol message.Protocol, explicit *gateway.Gateway) (*gateway.Gateway, error) {
	if explicit != nil {
		return explicit, nil
	}
	for i := range s.gateways {
		if s.gateways[i].Protocol == protocol {
			return &s.gateways[i], nil
		}
	}
	return nil, opnerr.New(opnerr.UnsupportedProtocol, "no configured gateway for protocol "+protocol.String())
}

// attempt performs exactly one publish-and-await-outcome round trip:
// subscribe, publish MessageReady under txn, then wait for the first
// outcome notification carrying the same transaction (the MessageReady
// this call published reaches the subscription too and is skipped). The subscription is
// created before the publish so no outcome can be dispatched before the
// caller is listening for it.
func (s *Service) attempt(ctx context.Context, target *gateway.Gateway, msg message.Message, opts gateway.SendOptions, txn pipeline.Transaction) error {
	sub := s.bus.Subscribe(8)
	defer s.bus.Unsubscribe(sub)

	s.bus.Publish(pipeline.Notification{
		Kind: pipeline.MessageReady, Gateway: target.Name, Message: msg, Options: opts, Transaction: txn,
	})

	timeout := target.Options.OutgoingMessageProcessingTimeout
	if timeout <= 0 {
		timeout = gateway.DefaultOptions().OutgoingMessageProcessingTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case n, ok := <-sub:
			if !ok {
				return opnerr.New(opnerr.ObjectDisposed, "pipeline closed while awaiting outcome")
			}
			if n.Transaction != txn || n.Kind == pipeline.MessageReady {
				continue
			}
			return outcomeError(n)
		case <-timer.C:
			return opnerr.New(opnerr.NoWorkerAvailable, "no outcome notification within outgoing_message_processing_timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// outcomeError maps a worker pool outcome notification to its error, or
// nil for MessageSent.
func outcomeError(n pipeline.Notification) error {
	switch n.Kind {
	case pipeline.MessageSent:
		return nil
	case pipeline.GatewayBusy:
		return opnerr.New(opnerr.GatewayBusy, "gateway reported busy")
	case pipeline.InvalidAction:
		return opnerr.New(opnerr.InvalidAction, "device rejected action validation")
	case pipeline.InvalidFrame:
		return opnerr.New(opnerr.InvalidFrame, "peer replied nack")
	case pipeline.NoActionReceived:
		return opnerr.New(opnerr.NoActionReceived, "no action validation frame received")
	case pipeline.NoAcknowledgmentReceived:
		return opnerr.New(opnerr.NoAcknowledgementReceived, "no acknowledgement received")
	default:
		return opnerr.New(opnerr.NoAcknowledgementReceived, "unexpected outcome "+n.Kind.String())
	}
}

// submitWithRetry wraps attempt in the gateway's resilience policy,
// minting a fresh transaction per try (spec.md §4.9: a retry is never a
// resend under the same id).
func (s *Service) submitWithRetry(ctx context.Context, target *gateway.Gateway, msg message.Message, opts gateway.SendOptions) error {
	_, err := resilience.Send(ctx, s.policy, opts, func(ctx context.Context, txn pipeline.Transaction) error {
		return s.attempt(ctx, target, msg, opts, txn)
	})
	return err
}

// ExecuteCommand builds a BUS COMMAND and submits it, returning nil on
// MessageSent or the mapped failure otherwise.
func (s *Service) ExecuteCommand(ctx context.Context, protocol message.Protocol, cmd message.Command, addr message.Address, gw *gateway.Gateway, opts gateway.SendOptions) error {
	target, err := s.resolveGateway(protocol, gw)
	if err != nil {
		return err
	}
	msg := message.NewBusCommand(protocol, cmd, addr)
	return s.submitWithRetry(ctx, target, msg, opts)
}

// SetDimension builds a DIMENSION SET (values must be non-empty) and
// submits it, same outcome handling as ExecuteCommand.
func (s *Service) SetDimension(ctx context.Context, protocol message.Protocol, dim message.Dimension, addr message.Address, values []string, gw *gateway.Gateway, opts gateway.SendOptions) error {
	target, err := s.resolveGateway(protocol, gw)
	if err != nil {
		return err
	}
	msg, err := message.NewDimensionSet(protocol, dim, addr, values)
	if err != nil {
		return err
	}
	return s.submitWithRetry(ctx, target, msg, opts)
}

// SendMessage bypasses the builders, routing msg through the workers as-is.
func (s *Service) SendMessage(ctx context.Context, protocol message.Protocol, msg message.Message, gw *gateway.Gateway, opts gateway.SendOptions) error {
	target, err := s.resolveGateway(protocol, gw)
	if err != nil {
		return err
	}
	return s.submitWithRetry(ctx, target, msg, opts)
}

// GetDimension builds a DIMENSION REQUEST, concurrently subscribes for
// the matching DimensionRead, and returns its values — or
// NoDimensionReceived if none arrives within unique_dimension_reply_timeout.
// A nil filter defaults to matching on the request's own dimension code.
func (s *Service) GetDimension(ctx context.Context, protocol message.Protocol, dim message.Dimension, addr message.Address, filter func(message.Dimension) bool, gw *gateway.Gateway, opts gateway.SendOptions) ([]string, error) {
	target, err := s.resolveGateway(protocol, gw)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		code := dim.Code
		filter = func(d message.Dimension) bool { return d.Code == code }
	}
	req := message.NewDimensionRequest(protocol, dim, addr)

	// Subscribe before the request is even sent, so a fast reply can
	// never race ahead of this wait.
	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	if err := s.submitWithRetry(ctx, target, req, opts); err != nil {
		return nil, err
	}

	timeout := target.Options.UniqueDimensionReplyTimeout
	if timeout <= 0 {
		timeout = gateway.DefaultOptions().UniqueDimensionReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case n, ok := <-sub:
			if !ok {
				return nil, opnerr.New(opnerr.ObjectDisposed, "pipeline closed while awaiting dimension read")
			}
			if n.Kind != pipeline.MessageReceived || n.Gateway != target.Name {
				continue
			}
			m := n.Message
			if m.Protocol != protocol || m.Type != message.DimensionRead || m.Address == nil || m.Dimension == nil {
				continue
			}
			if !addressEqual(*m.Address, addr) || !filter(*m.Dimension) {
				continue
			}
			return m.Values, nil
		case <-timer.C:
			return nil, opnerr.New(opnerr.NoDimensionReceived, "no matching dimension read within unique_dimension_reply_timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetStatus builds a STATUS REQUEST and awaits a matching BusCommand
// reply, or NoStatusReceived if none arrives within
// unique_status_reply_timeout. A nil filter defaults to matching on the
// request's own category.
func (s *Service) GetStatus(ctx context.Context, protocol message.Protocol, cat message.Category, addr message.Address, filter func(message.Command) bool, gw *gateway.Gateway, opts gateway.SendOptions) (message.Command, error) {
	target, err := s.resolveGateway(protocol, gw)
	if err != nil {
		return message.Command{}, err
	}
	if filter == nil {
		who := cat.Who
		filter = func(c message.Command) bool { return c.Category.Who == who }
	}
	req := message.NewStatusRequest(protocol, cat, addr)

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	if err := s.submitWithRetry(ctx, target, req, opts); err != nil {
		return message.Command{}, err
	}

	timeout := target.Options.UniqueStatusReplyTimeout
	if timeout <= 0 {
		timeout = gateway.DefaultOptions().UniqueStatusReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case n, ok := <-sub:
			if !ok {
				return message.Command{}, opnerr.New(opnerr.ObjectDisposed, "pipeline closed while awaiting status reply")
			}
			if n.Kind != pipeline.MessageReceived || n.Gateway != target.Name {
				continue
			}
			m := n.Message
			if m.Protocol != protocol || m.Type != message.BusCommand || m.Address == nil || m.Command == nil {
				continue
			}
			if !addressEqual(*m.Address, addr) || !filter(*m.Command) {
				continue
			}
			return *m.Command, nil
		case <-timer.C:
			return message.Command{}, opnerr.New(opnerr.NoStatusReceived, "no matching status reply within unique_status_reply_timeout")
		case <-ctx.Done():
			return message.Command{}, ctx.Err()
		}
	}
}

// DimensionEvent is one item from EnumerateDimensions: either a matching
// reading, or — as the final event before the channel closes — the
// reason the stream ended. Err is nil for a clean ACK-terminated end.
type DimensionEvent struct {
	Address   message.Address
	Dimension message.Dimension
	Values    []string
	Err       error
}

// EnumerateDimensions sends a DIMENSION REQUEST with acknowledgement
// validation disabled (the terminator is the semantic ACK on the
// inbound stream, not the syntactic one) and yields every matching
// DimensionRead until that ACK, a NACK/BUSY-NACK, or an idle gap longer
// than multiple_dimension_reply_timeout (P8: idle timeout ends the
// stream cleanly; NACK/BUSY abort it with an error).
func (s *Service) EnumerateDimensions(ctx context.Context, protocol message.Protocol, dim message.Dimension, addr message.Address, gw *gateway.Gateway) (<-chan DimensionEvent, error) {
	target, err := s.resolveGateway(protocol, gw)
	if err != nil {
		return nil, err
	}
	req := message.NewDimensionRequest(protocol, dim, addr)
	opts := gateway.SendOptions{DisableAckValidation: true}

	sub := s.bus.Subscribe(128)
	if err := s.submitWithRetry(ctx, target, req, opts); err != nil {
		s.bus.Unsubscribe(sub)
		return nil, err
	}

	timeout := target.Options.MultipleDimensionReplyTimeout
	if timeout <= 0 {
		timeout = gateway.DefaultOptions().MultipleDimensionReplyTimeout
	}

	out := make(chan DimensionEvent, 16)
	go func() {
		defer close(out)
		defer s.bus.Unsubscribe(sub)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case n, ok := <-sub:
				if !ok {
					return
				}
				if n.Kind != pipeline.MessageReceived || n.Gateway != target.Name || n.Message.Protocol != protocol {
					continue
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)

				switch n.Message.Type {
				case message.Acknowledgement:
					return
				case message.NegativeAcknowledgement:
					sendEvent(ctx, out, DimensionEvent{Err: opnerr.New(opnerr.InvalidFrame, "enumerate aborted by nack")})
					return
				case message.BusyNegativeAcknowledgement:
					sendEvent(ctx, out, DimensionEvent{Err: opnerr.New(opnerr.GatewayBusy, "enumerate aborted by busy-nack")})
					return
				case message.DimensionRead:
					m := n.Message
					if m.Dimension == nil || m.Address == nil {
						continue
					}
					if !sendEvent(ctx, out, DimensionEvent{Address: *m.Address, Dimension: *m.Dimension, Values: m.Values}) {
						return
					}
				}
			case <-timer.C:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StatusEvent is one item from EnumerateStatuses, shaped like DimensionEvent.
type StatusEvent struct {
	Address message.Address
	Command message.Command
	Err     error
}

// EnumerateStatuses is EnumerateDimensions' counterpart for STATUS
// REQUEST/BusCommand replies.
func (s *Service) EnumerateStatuses(ctx context.Context, protocol message.Protocol, cat message.Category, addr message.Address, gw *gateway.Gateway) (<-chan StatusEvent, error) {
	target, err := s.resolveGateway(protocol, gw)
	if err != nil {
		return nil, err
	}
	req := message.NewStatusRequest(protocol, cat, addr)
	opts := gateway.SendOptions{DisableAckValidation: true}

	sub := s.bus.Subscribe(128)
	if err := s.submitWithRetry(ctx, target, req, opts); err != nil {
		s.bus.Unsubscribe(sub)
		return nil, err
	}

	timeout := target.Options.MultipleStatusReplyTimeout
	if timeout <= 0 {
		timeout = gateway.DefaultOptions().MultipleStatusReplyTimeout
	}

	out := make(chan StatusEvent, 16)
	go func() {
		defer close(out)
		defer s.bus.Unsubscribe(sub)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case n, ok := <-sub:
				if !ok {
					return
				}
				if n.Kind != pipeline.MessageReceived || n.Gateway != target.Name || n.Message.Protocol != protocol {
					continue
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)

				switch n.Message.Type {
				case message.Acknowledgement:
					return
				case message.NegativeAcknowledgement:
					sendStatusEvent(ctx, out, StatusEvent{Err: opnerr.New(opnerr.InvalidFrame, "enumerate aborted by nack")})
					return
				case message.BusyNegativeAcknowledgement:
					sendStatusEvent(ctx, out, StatusEvent{Err: opnerr.New(opnerr.GatewayBusy, "enumerate aborted by busy-nack")})
					return
				case message.BusCommand:
					m := n.Message
					if m.Command == nil || m.Address == nil {
						continue
					}
					if !sendStatusEvent(ctx, out, StatusEvent{Address: *m.Address, Command: *m.Command}) {
						return
					}
				}
			case <-timer.C:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func sendEvent(ctx context.Context, out chan<- DimensionEvent, ev DimensionEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sendStatusEvent(ctx context.Context, out chan<- StatusEvent, ev StatusEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// allowedSessionType is the session-type policy spec.md §4.8 attaches to
// the Observe* operations: SCS traffic only ever arrives over a Command
// session, Nitoo/Zigbee only ever over a Generic session — the same
// mapping as gateway.Gateway.RoutingSession, since these are the
// protocol's one mandatory session type.
func allowedSessionType(protocol message.Protocol) gateway.SessionType {
	if protocol == message.Scs {
		return gateway.SessionCommand
	}
	return gateway.SessionGeneric
}

// observe is the shared cold-observable machinery behind
// ObserveStatuses/ObserveDimensions/ObserveEvents: subscribe only when
// called, filter by protocol, session-type policy and match, forward
// until ctx is cancelled or the bus shuts down. A dropped or malformed
// notification is skipped, never torn down — one bad item must not end
// the whole subscription (spec.md §7's pipeline propagation policy).
func (s *Service) observe(ctx context.Context, protocol message.Protocol, match func(message.Message) bool) <-chan message.Message {
	out := make(chan message.Message, 32)
	sub := s.bus.Subscribe(64)
	wantSession := allowedSessionType(protocol)

	go func() {
		defer close(out)
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case n, ok := <-sub:
				if !ok {
					return
				}
				if n.Kind != pipeline.MessageReceived || n.Message.Protocol != protocol {
					continue
				}
				if n.Session.Type != wantSession {
					continue
				}
				if !match(n.Message) {
					continue
				}
				select {
				case out <- n.Message:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ObserveStatuses streams every BusCommand notification of category on
// protocol until ctx is cancelled.
func (s *Service) ObserveStatuses(ctx context.Context, protocol message.Protocol, category message.Category) <-chan message.Message {
	who := category.Who
	return s.observe(ctx, protocol, func(m message.Message) bool {
		return m.Type == message.BusCommand && m.Category != nil && m.Category.Who == who
	})
}

// ObserveDimensions streams every DimensionRead notification of category
// on protocol until ctx is cancelled.
func (s *Service) ObserveDimensions(ctx context.Context, protocol message.Protocol, category message.Category) <-chan message.Message {
	who := category.Who
	return s.observe(ctx, protocol, func(m message.Message) bool {
		return m.Type == message.DimensionRead && m.Category != nil && m.Category.Who == who
	})
}

// ObserveEvents streams every notification on protocol excluding the
// three acknowledgement variants, until ctx is cancelled.
func (s *Service) ObserveEvents(ctx context.Context, protocol message.Protocol) <-chan message.Message {
	return s.observe(ctx, protocol, func(m message.Message) bool {
		switch m.Type {
		case message.Acknowledgement, message.NegativeAcknowledgement, message.BusyNegativeAcknowledgement:
			return false
		default:
			return true
		}
	})
}

func addressEqual(a, b message.Address) bool {
	return a.Kind == b.Kind && a.Value == b.Value && reflect.DeepEqual(a.Parameters, b.Parameters)
}
