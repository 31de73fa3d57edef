// Package gateway holds the Gateway/Options/Capability data model (spec
// §3's Gateway entity) and the capability-gated session requirement
// rules from spec.md §4.7 that the worker pool supervises against.
package gateway

import (
	"time"

	"github.com/opennetty/opennetty-core/internal/message"
	"github.com/opennetty/opennetty-core/internal/transport"
)

// SessionType is one of the three directionally-typed channel kinds a
// Session negotiates (spec.md §3's Session entity).
type SessionType int

const (
	SessionCommand SessionType = iota
	SessionGeneric
	SessionEvent
)

func (t SessionType) String() string {
	switch t {
	case SessionCommand:
		return "Command"
	case SessionGeneric:
		return "Generic"
	case SessionEvent:
		return "Event"
	default:
		return "Unknown"
	}
}

// Capabilities is a bitset of the capability bits spec.md §6 says the
// core recognises in a configuration document.
type Capabilities uint8

const (
	CapGateway Capabilities = 1 << iota
	CapCommandSession
	CapGenericSession
	CapEventSession
)

// Has reports whether all bits of want are set.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// Options is the timeouts bundle spec.md §5 requires every gateway to
// carry, independently configurable, with documented defaults (spec.md
// §5 leaves the values implementation-chosen but requires they be
// documented).
type Options struct {
	FrameAckTimeout                  time.Duration
	ActionValidationTimeout          time.Duration
	ConnectionNegotiationTimeout     time.Duration
	UniqueStatusReplyTimeout         time.Duration
	UniqueDimensionReplyTimeout      time.Duration
	MultipleStatusReplyTimeout       time.Duration
	MultipleDimensionReplyTimeout    time.Duration
	OutgoingMessageProcessingTimeout time.Duration
	PostSendDelay                    time.Duration
}

// DefaultOptions documents the concrete defaults this runtime ships
// with, per SPEC_FULL.md §3.2.
func DefaultOptions() Options {
	return Options{
		FrameAckTimeout:                  3 * time.Second,
		ActionValidationTimeout:          5 * time.Second,
		ConnectionNegotiationTimeout:     10 * time.Second,
		UniqueStatusReplyTimeout:         5 * time.Second,
		UniqueDimensionReplyTimeout:      5 * time.Second,
		MultipleStatusReplyTimeout:       10 * time.Second,
		MultipleDimensionReplyTimeout:    10 * time.Second,
		OutgoingMessageProcessingTimeout: time.Second,
		PostSendDelay:                    0,
	}
}

// SendOptions are the per-call transmission options a Service operation
// passes down to a Session's send state machine (spec.md §4.5/§4.7).
type SendOptions struct {
	// DisallowRetransmissions short-circuits the resilience policy to at
	// most one attempt (spec.md §4.9).
	DisallowRetransmissions bool
	// RequireActionValidation requests the post-ACK action-validation
	// wait; legal only for Nitoo unicast BusCommand/DimensionSet sends.
	RequireActionValidation bool
	// DisableAckValidation skips the ACK/NACK/BUSY wait entirely. Used by
	// enumerate operations, where the terminator is a semantic ACK
	// observed on the inbound stream rather than a syntactic one
	// (spec.md §4.8).
	DisableAckValidation bool
}

// Gateway is the immutable identity and configuration spec.md §3
// describes: name, protocol, transport descriptor, optional password,
// options bundle, and capability set. Gateways are constructor-injected
// and never mutated after creation — a configuration reload creates new
// instances (spec.md §5).
type Gateway struct {
	Name         string
	Protocol     message.Protocol
	Transport    transport.Descriptor
	Password     string
	Options      Options
	Capabilities Capabilities

	// SupervisionEnabled selects the Generic session negotiation branch
	// that emits `*13*66*##` instead of the firmware-version handshake
	// (spec.md §4.5.1).
	SupervisionEnabled bool
}

// RequiredSessions returns the session types this gateway's worker pool
// must maintain: the protocol-mandated session (Command for SCS,
// Generic for Nitoo/Zigbee) is always required; Command/Event sessions
// beyond that are only required when the capability set names them
// (spec.md §4.7).
func (g Gateway) RequiredSessions() []SessionType {
	var out []SessionType
	switch g.Protocol {
	case message.Scs:
		out = append(out, SessionCommand)
	case message.Nitoo, message.Zigbee:
		out = append(out, SessionGeneric)
	}
	if g.Protocol != message.Scs && g.Capabilities.Has(CapCommandSession) {
		out = append(out, SessionCommand)
	}
	if g.Capabilities.Has(CapEventSession) {
		out = append(out, SessionEvent)
	}
	return out
}

// RoutingSession returns which session type handles outbound messages
// for this gateway's protocol (spec.md §4.7's routing rules): SCS routes
// to Command, Nitoo/Zigbee route to Generic.
func (g Gateway) RoutingSession() SessionType {
	if g.Protocol == message.Scs {
		return SessionCommand
	}
	return SessionGeneric
}
