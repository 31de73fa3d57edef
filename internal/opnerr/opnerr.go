// Package opnerr defines the OpenNetty error taxonomy. Every public
// operation in the runtime either succeeds or fails with an *Error whose
// Kind identifies which of these closed cases occurred, so callers can
// use errors.As/opnerr.Is instead of string matching.
package opnerr

import (
	"errors"
	"fmt"
)

// Kind identifies a specific failure mode in the OpenWebNet runtime.
type Kind int

const (
	// FrameMalformed means the codec rejected a byte sequence: missing
	// terminator, stray characters, or an otherwise unparsable frame.
	FrameMalformed Kind = iota
	// FrameContainsForbiddenDoubleHash means a field contained "##"
	// before the frame's terminating "##".
	FrameContainsForbiddenDoubleHash
	// NonDigitParameter means a parameter contained a byte outside '0'-'9'.
	NonDigitParameter
	// InvalidAddress means address construction or conversion violated a
	// range or shape rule not specific to one protocol family.
	InvalidAddress
	// InvalidZigbeeAddress narrows InvalidAddress to the Zigbee family.
	InvalidZigbeeAddress
	// InvalidNitooAddress narrows InvalidAddress to the Nitoo family.
	InvalidNitooAddress
	// InvalidScsAddress narrows InvalidAddress to the SCS family.
	InvalidScsAddress
	// UnsupportedProtocol means an enum value fell outside {Scs, Zigbee, Nitoo}.
	UnsupportedProtocol
	// UnsupportedMedium means an enum value fell outside {Bus, Powerline, Radio, Infrared}.
	UnsupportedMedium
	// AuthenticationRequired means the gateway demanded authentication but
	// no password was configured.
	AuthenticationRequired
	// AuthenticationMethodUnsupported means the gateway requested a digest
	// method this runtime does not implement.
	AuthenticationMethodUnsupported
	// AuthenticationInvalid means the handshake completed but the digest
	// or password did not match.
	AuthenticationInvalid
	// NegotiationTimeout means session negotiation did not complete within
	// its configured budget.
	NegotiationTimeout
	// InvalidFrame means the peer replied NACK to a request.
	InvalidFrame
	// GatewayBusy means the peer replied BUSY NACK (legal only on Zigbee).
	GatewayBusy
	// NoAcknowledgementReceived means no ACK/NACK/BUSY arrived within the
	// frame ack timeout.
	NoAcknowledgementReceived
	// NoActionReceived means no action-validation frame arrived within
	// the action validation timeout.
	NoActionReceived
	// NoDimensionReceived means no matching DimensionRead arrived within
	// the unique dimension reply timeout.
	NoDimensionReceived
	// NoStatusReceived means no matching BusCommand reply arrived within
	// the unique status reply timeout.
	NoStatusReceived
	// InvalidAction means the end device's action-validation frame
	// indicated rejection.
	InvalidAction
	// NoWorkerAvailable means no worker picked up a submitted message
	// within the outgoing message processing timeout.
	NoWorkerAvailable
	// ConcurrentSendAttempted means a second send was attempted on a
	// session that already has one in flight.
	ConcurrentSendAttempted
	// ConcurrentReadAttempted means a second reader was attempted on a
	// framed pipe that already has one outstanding.
	ConcurrentReadAttempted
	// ConcurrentWriteAttempted means a second writer was attempted on a
	// framed pipe that already has one outstanding.
	ConcurrentWriteAttempted
	// ObjectDisposed means an operation was attempted on a released
	// session, connection, or pipe.
	ObjectDisposed
)

var kindNames = map[Kind]string{
	FrameMalformed:                    "FrameMalformed",
	FrameContainsForbiddenDoubleHash:  "FrameContainsForbiddenDoubleHash",
	NonDigitParameter:                 "NonDigitParameter",
	InvalidAddress:                    "InvalidAddress",
	InvalidZigbeeAddress:              "InvalidZigbeeAddress",
	InvalidNitooAddress:               "InvalidNitooAddress",
	InvalidScsAddress:                 "InvalidScsAddress",
	UnsupportedProtocol:               "UnsupportedProtocol",
	UnsupportedMedium:                 "UnsupportedMedium",
	AuthenticationRequired:            "AuthenticationRequired",
	AuthenticationMethodUnsupported:   "AuthenticationMethodUnsupported",
	AuthenticationInvalid:             "AuthenticationInvalid",
	NegotiationTimeout:                "NegotiationTimeout",
	InvalidFrame:                      "InvalidFrame",
	GatewayBusy:                       "GatewayBusy",
	NoAcknowledgementReceived:         "NoAcknowledgementReceived",
	NoActionReceived:                  "NoActionReceived",
	NoDimensionReceived:               "NoDimensionReceived",
	NoStatusReceived:                  "NoStatusReceived",
	InvalidAction:                     "InvalidAction",
	NoWorkerAvailable:                 "NoWorkerAvailable",
	ConcurrentSendAttempted:           "ConcurrentSendAttempted",
	ConcurrentReadAttempted:           "ConcurrentReadAttempted",
	ConcurrentWriteAttempted:          "ConcurrentWriteAttempted",
	ObjectDisposed:                    "ObjectDisposed",
}

// String returns the taxonomy name, e.g. "GatewayBusy".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the concrete error type raised by every OpenNetty package.
// Kind is the stable, matchable taxonomy entry; Op names the operation
// or detail that failed; Err, if present, is the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error with no wrapped cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap creates an *Error that wraps an underlying cause.
func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is an *Error of the given Kind, unwrapping as
// needed. Use this instead of errors.Is with a sentinel value because
// Kind is a classification, not a single instance.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
