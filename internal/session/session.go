// Package session implements the negotiated, authenticated session
// state machine (spec C5): the three-branch negotiation handshake from
// spec.md §4.5, the single-writer send state machine with ACK/action
// correlation, and the hot stream of decoded inbound messages the
// worker pool republishes onto the pipeline.
//
// The read-loop/pending-correlation shape is grounded on the teacher's
// homeassistant.WSClient.sendAndWait: one dedicated read-loop goroutine
// dispatches to either a waiting sender (by id there, by pending-kind
// here — a session has at most one outstanding send) or to a general
// inbound channel.
package session

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opennetty/opennetty-core/internal/auth"
	"github.com/opennetty/opennetty-core/internal/frame"
	"github.com/opennetty/opennetty-core/internal/gateway"
	"github.com/opennetty/opennetty-core/internal/iopipe"
	"github.com/opennetty/opennetty-core/internal/message"
	"github.com/opennetty/opennetty-core/internal/opnerr"
	"github.com/opennetty/opennetty-core/internal/transport"
)

// Session owns one connection and publishes a hot stream of decoded
// inbound messages. Concurrent Send calls are rejected fast (spec.md
// §4.5/§5: the write permit is a binary non-blocking mutex).
type Session struct {
	ID          string
	Gateway     *gateway.Gateway
	SessionType gateway.SessionType

	pipe   *iopipe.Pipe
	logger *slog.Logger

	writeBusy atomic.Bool

	mu          sync.Mutex
	pendingKind pendingKind
	pendingCh   chan message.Message

	inbound    chan message.Message
	readCancel context.CancelFunc
	readDone   chan struct{}
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingAck
	pendingAction
)

// action-validation categories: spec.md §9 leaves the exact wire form of
// VALID_ACTION/INVALID_ACTION only implied by the scenario-2 test fixture
// (`*1001*0*7##` as the invalid-action reply). Resolved here as a
// BusCommand whose WHO category is one of these two diagnostic codes.
const (
	whoActionValid   = "1000"
	whoActionInvalid = "1001"
)

// sessionSelectWho is the WHO field of the *99*<selector>## session
// selection frame (spec.md §6) — distinct from WhoManagement ("13"),
// which only applies to the supervision-enable/firmware-version
// negotiation frames.
const sessionSelectWho = "99"

// Negotiate opens gw's transport, runs the session-type-specific
// handshake from spec.md §4.5 within gw.Options.ConnectionNegotiationTimeout,
// and on success starts the persistent read loop. On any negotiation
// failure the connection is disposed (spec.md §4.5: "failure disposes
// the connection").
func Negotiate(ctx context.Context, gw *gateway.Gateway, sessType gateway.SessionType, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	negCtx, cancel := context.WithTimeout(ctx, gw.Options.ConnectionNegotiationTimeout)
	defer cancel()

	pipe, err := transport.Open(negCtx, gw.Transport, logger)
	if err != nil {
		return nil, opnerr.Wrap(opnerr.NegotiationTimeout, "open transport", err)
	}

	s := &Session{
		ID:          uuid.NewString(),
		Gateway:     gw,
		SessionType: sessType,
		pipe:        pipe,
		logger:      logger.With("gateway", gw.Name, "session_type", sessType.String()),
		inbound:     make(chan message.Message, 64),
		readDone:    make(chan struct{}),
	}

	if err := s.negotiate(negCtx, sessType); err != nil {
		pipe.Close()
		return nil, err
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	s.readCancel = readCancel
	go s.readLoop(readCtx)

	return s, nil
}

// Inbound is the hot stream of decoded messages not claimed by an
// in-flight Send's ACK/action wait. Closed when the session's read loop
// exits (stream EOF or Close).
func (s *Session) Inbound() <-chan message.Message {
	return s.inbound
}

// Close cancels the read loop and releases the underlying connection.
func (s *Session) Close() error {
	if s.readCancel != nil {
		s.readCancel()
	}
	<-s.readDone
	return s.pipe.Close()
}

// Send executes the per-message state machine from spec.md §4.5: write
// the frame, optionally await ACK/NACK/BUSY, optionally await action
// validation, apply the post-send delay, all under this session's single
// write permit.
func (s *Session) Send(ctx context.Context, msg message.Message, opts gateway.SendOptions) error {
	if !s.writeBusy.CompareAndSwap(false, true) {
		return opnerr.New(opnerr.ConcurrentSendAttempted, "session.send")
	}
	defer s.writeBusy.Store(false)

	var ackCh chan message.Message
	if !opts.DisableAckValidation {
		ackCh = s.beginPending(pendingAck)
	}

	if err := s.pipe.WriteFrame(ctx, msg.Frame); err != nil {
		s.endPending()
		return opnerr.Wrap(opnerr.ObjectDisposed, "session.send", err)
	}

	if !opts.DisableAckValidation {
		ackMsg, err := s.awaitPending(ctx, ackCh, s.Gateway.Options.FrameAckTimeout)
		if err != nil {
			return opnerr.Wrap(opnerr.NoAcknowledgementReceived, "session.send", err)
		}
		switch ackMsg.Type {
		case message.Acknowledgement:
			// proceed to the optional action-validation wait.
		case message.NegativeAcknowledgement:
			return opnerr.New(opnerr.InvalidFrame, "session.send")
		case message.BusyNegativeAcknowledgement:
			return opnerr.New(opnerr.GatewayBusy, "session.send")
		default:
			return opnerr.New(opnerr.FrameMalformed, "unexpected reply to send")
		}
	}

	if opts.RequireActionValidation && validationLegal(s.Gateway.Protocol, msg) {
		actCh := s.beginPending(pendingAction)
		actMsg, err := s.awaitPending(ctx, actCh, s.Gateway.Options.ActionValidationTimeout)
		if err != nil {
			return opnerr.Wrap(opnerr.NoActionReceived, "session.send", err)
		}
		if actMsg.Category != nil && actMsg.Category.Who == whoActionInvalid {
			return opnerr.New(opnerr.InvalidAction, "session.send")
		}
	}

	if d := s.Gateway.Options.PostSendDelay; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// validationLegal implements spec.md §4.5's rule: action validation is
// only legal on Nitoo, for BusCommand/DimensionSet, unicast, addressed
// messages.
func validationLegal(p message.Protocol, msg message.Message) bool {
	if p != message.Nitoo {
		return false
	}
	if msg.Type != message.BusCommand && msg.Type != message.DimensionSet {
		return false
	}
	if msg.Mode == nil || *msg.Mode != message.Unicast {
		return false
	}
	return msg.Address != nil
}

func (s *Session) beginPending(kind pendingKind) chan message.Message {
	ch := make(chan message.Message, 1)
	s.mu.Lock()
	s.pendingKind = kind
	s.pendingCh = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) endPending() {
	s.mu.Lock()
	s.pendingKind = pendingNone
	s.pendingCh = nil
	s.mu.Unlock()
}

func (s *Session) awaitPending(ctx context.Context, ch chan message.Message, timeout time.Duration) (message.Message, error) {
	defer s.endPending()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		return m, nil
	case <-timer.C:
		return message.Message{}, context.DeadlineExceeded
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

// tryDeliverPending hands msg to the current Send's waiter if msg is the
// shape that waiter is blocked on. Returns true if it consumed msg.
func (s *Session) tryDeliverPending(msg message.Message) bool {
	s.mu.Lock()
	kind, ch := s.pendingKind, s.pendingCh
	s.mu.Unlock()
	if kind == pendingNone || ch == nil {
		return false
	}
	switch kind {
	case pendingAck:
		switch msg.Type {
		case message.Acknowledgement, message.NegativeAcknowledgement, message.BusyNegativeAcknowledgement:
			select {
			case ch <- msg:
			default:
			}
			return true
		}
	case pendingAction:
		if msg.Type == message.BusCommand && msg.Category != nil &&
			(msg.Category.Who == whoActionValid || msg.Category.Who == whoActionInvalid) {
			select {
			case ch <- msg:
			default:
			}
			return true
		}
	}
	return false
}

// readLoop is the session's sole reader: it decodes every inbound frame
// and either routes it to an in-flight Send's waiter or publishes it to
// Inbound. Per spec.md §7, a decode error does not terminate the
// session — it is logged and the loop continues — but a pipe-level
// error (EOF, disposed connection) is terminal.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.inbound)
	for {
		fr, err := s.pipe.ReadFrame(ctx)
		if err != nil {
			if iopipe.IsDefinitivelyMalformed(err) {
				s.logger.Warn("discarding malformed frame, resyncing", "error", err)
				continue
			}
			if err != io.EOF {
				s.logger.Debug("read loop ending", "error", err)
			}
			return
		}
		msg, merr := message.FromFrame(s.Gateway.Protocol, fr)
		if merr != nil {
			s.logger.Warn("discarding frame that failed to decode", "error", merr)
			continue
		}
		if s.tryDeliverPending(msg) {
			continue
		}
		select {
		case s.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// isAckFrame reports whether fr is the canonical two-field ACK shape
// `*#*1##`. Negotiation inspects raw frames rather than going through
// message.FromFrame/classify because several negotiation wire forms
// (the firmware-version request's unaddressed WHERE field, the
// supervision-enable frame) carry an empty field outside the position
// the classifier or the codec's own parse-time validation expects —
// legitimate to construct and to recognize structurally, just not
// something the general-purpose classifier needs to understand.
func isAckFrame(fr frame.Frame) bool {
	return len(fr.Fields) == 2 &&
		len(fr.Fields[0].Params) == 2 && fr.Fields[0].Params[0] == "" && fr.Fields[0].Params[1] == "" &&
		len(fr.Fields[1].Params) == 1 && fr.Fields[1].Params[0] == "1"
}

func isNackFrame(fr frame.Frame) bool {
	return len(fr.Fields) == 2 &&
		len(fr.Fields[0].Params) == 2 && fr.Fields[0].Params[0] == "" && fr.Fields[0].Params[1] == "" &&
		len(fr.Fields[1].Params) == 1 && fr.Fields[1].Params[0] == "0"
}

func isDigestChallenge(fr frame.Frame) bool {
	return len(fr.Fields) == 2 &&
		len(fr.Fields[0].Params) == 1 && fr.Fields[0].Params[0] == "98" &&
		len(fr.Fields[1].Params) == 1
}

func digestMethodOf(fr frame.Frame) (auth.Method, error) {
	switch fr.Fields[1].Params[0] {
	case "1":
		return auth.MethodSHA1, nil
	case "2":
		return auth.MethodSHA256, nil
	default:
		return 0, opnerr.New(opnerr.AuthenticationMethodUnsupported, "digest method "+fr.Fields[1].Params[0])
	}
}

// isSingleFieldDigits reports whether fr is the one-field `*#<digits>##`
// shape shared by the digest server nonce/response and the legacy
// nonce challenge.
func isSingleFieldDigits(fr frame.Frame) bool {
	return len(fr.Fields) == 1 && len(fr.Fields[0].Params) == 2 && fr.Fields[0].Params[0] == ""
}

func singleFieldDigits(fr frame.Frame) (string, error) {
	if !isSingleFieldDigits(fr) {
		return "", opnerr.New(opnerr.FrameMalformed, "expected a single-field digits frame")
	}
	return fr.Fields[0].Params[1], nil
}

// negotiate dispatches to the session-type-specific handshake from
// spec.md §4.5. Generic sessions (and the single Command session SCS
// gateways always open) share the same branch; Command/Event sessions
// beyond the protocol mandate negotiate via the typed branch that
// selects a channel and may demand authentication.
func (s *Session) negotiate(ctx context.Context, sessType gateway.SessionType) error {
	switch sessType {
	case gateway.SessionGeneric:
		return s.negotiateGeneric(ctx)
	case gateway.SessionCommand, gateway.SessionEvent:
		if s.Gateway.Protocol == message.Scs && sessType == gateway.SessionCommand {
			return s.negotiateGeneric(ctx)
		}
		return s.negotiateTyped(ctx, sessType)
	default:
		return opnerr.New(opnerr.NegotiationTimeout, "unknown session type")
	}
}

// negotiateGeneric implements the Generic branch of spec.md §4.5.1: a
// supervision-enabled gateway is put into supervision mode with the raw
// `*13*66*##` command and the reply is just an ACK; otherwise the
// session is confirmed alive with a firmware-version dimension request,
// whose reply on Nitoo never carries a preceding ACK.
func (s *Session) negotiateGeneric(ctx context.Context) error {
	if s.Gateway.SupervisionEnabled {
		fr := frame.New(frame.NewField(message.WhoManagement), frame.NewField("66"), frame.NewField(""))
		if err := s.pipe.WriteFrame(ctx, fr); err != nil {
			return opnerr.Wrap(opnerr.NegotiationTimeout, "write supervision-enable", err)
		}
		reply, err := s.pipe.ReadFrame(ctx)
		if err != nil {
			return opnerr.Wrap(opnerr.NegotiationTimeout, "read supervision-enable reply", err)
		}
		if !isAckFrame(reply) {
			return opnerr.New(opnerr.NegotiationTimeout, "gateway did not acknowledge supervision enable")
		}
		return nil
	}

	cat := message.NewCategory(message.WhoManagement)
	dim := message.NewDimension(cat, "16")
	req := message.NewDimensionRequest(s.Gateway.Protocol, dim, message.Address{})
	if err := s.pipe.WriteFrame(ctx, req.Frame); err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "write firmware-version request", err)
	}

	sawAck := s.Gateway.Protocol == message.Nitoo
	sawReply := false
	for !sawAck || !sawReply {
		fr, err := s.pipe.ReadFrame(ctx)
		if err != nil {
			return opnerr.Wrap(opnerr.NegotiationTimeout, "read firmware-version reply", err)
		}
		switch {
		case isAckFrame(fr):
			sawAck = true
		case isNackFrame(fr):
			return opnerr.New(opnerr.NegotiationTimeout, "gateway rejected firmware-version request")
		default:
			sawReply = true
		}
	}
	return nil
}

// negotiateTyped implements the Command/Event branch of spec.md §4.5.2:
// await the unsolicited ACK, request the session type, then branch on
// whichever authentication (if any) the gateway demands.
func (s *Session) negotiateTyped(ctx context.Context, sessType gateway.SessionType) error {
	initial, err := s.pipe.ReadFrame(ctx)
	if err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "read initial ack", err)
	}
	if !isAckFrame(initial) {
		return opnerr.New(opnerr.NegotiationTimeout, "gateway did not open with an ack")
	}

	// Session selection wire forms (spec.md §6): *99*0## | *99*1## | *99*9##.
	selector := "0"
	switch sessType {
	case gateway.SessionCommand:
		selector = "9"
	case gateway.SessionEvent:
		selector = "1"
	}
	selectFr := frame.New(frame.NewField(sessionSelectWho), frame.NewField(selector))
	if err := s.pipe.WriteFrame(ctx, selectFr); err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "write session select", err)
	}

	reply, err := s.pipe.ReadFrame(ctx)
	if err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "read session select reply", err)
	}

	switch {
	case isAckFrame(reply):
		return nil
	case isDigestChallenge(reply):
		method, merr := digestMethodOf(reply)
		if merr != nil {
			return merr
		}
		return s.negotiateDigestAuth(ctx, method)
	case isSingleFieldDigits(reply):
		return s.negotiateLegacyAuth(ctx, reply)
	default:
		return opnerr.New(opnerr.NegotiationTimeout, "unrecognised session select reply")
	}
}

// negotiateDigestAuth implements spec.md §4.5's HMAC-like digest scheme:
// acknowledge the method, exchange nonces, and verify the server's
// response before sending the final close-ACK.
func (s *Session) negotiateDigestAuth(ctx context.Context, method auth.Method) error {
	if !method.Supported() {
		return opnerr.New(opnerr.AuthenticationMethodUnsupported, "digest method")
	}
	if s.Gateway.Password == "" {
		return opnerr.New(opnerr.AuthenticationRequired, "negotiate digest auth")
	}

	ackMethod := frame.New(frame.NewField("", "1"))
	if err := s.pipe.WriteFrame(ctx, ackMethod); err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "write method ack", err)
	}

	nonceFr, err := s.pipe.ReadFrame(ctx)
	if err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "read server nonce", err)
	}
	nonceDigits, err := singleFieldDigits(nonceFr)
	if err != nil {
		return err
	}
	serverNonce, err := auth.DigitsToHex(nonceDigits)
	if err != nil {
		return err
	}

	clientNonce, clientDigest, err := auth.ComputeClientResponse(method, serverNonce, s.Gateway.Password)
	if err != nil {
		return err
	}
	responseFr := frame.New(frame.NewField("", auth.HexToDigits(clientNonce)), frame.NewField(clientDigest))
	if err := s.pipe.WriteFrame(ctx, responseFr); err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "write client response", err)
	}

	serverRespFr, err := s.pipe.ReadFrame(ctx)
	if err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "read server response", err)
	}
	serverRespDigits, err := singleFieldDigits(serverRespFr)
	if err != nil {
		return err
	}
	serverResp, err := auth.DigitsToHex(serverRespDigits)
	if err != nil {
		return err
	}

	if !auth.VerifyServerResponse(method, serverNonce, clientNonce, s.Gateway.Password, serverResp) {
		return opnerr.New(opnerr.AuthenticationInvalid, "server response digest mismatch")
	}

	closeAck := frame.New(frame.NewField("", ""), frame.NewField("1"))
	if err := s.pipe.WriteFrame(ctx, closeAck); err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "write close ack", err)
	}
	return nil
}

// negotiateLegacyAuth implements the legacy reversible bit-scramble
// scheme from spec.md §4.5: obfuscate the configured password against
// the server's nonce and await acknowledgement.
func (s *Session) negotiateLegacyAuth(ctx context.Context, nonceFr frame.Frame) error {
	nonceDigits, err := singleFieldDigits(nonceFr)
	if err != nil {
		return err
	}
	if s.Gateway.Password == "" {
		return opnerr.New(opnerr.AuthenticationRequired, "negotiate legacy auth")
	}
	pwd, err := strconv.ParseUint(s.Gateway.Password, 10, 32)
	if err != nil || pwd > auth.MaxLegacyPassword {
		return opnerr.New(opnerr.AuthenticationInvalid, "password is not a valid legacy password")
	}

	obfuscated, err := auth.LegacyObfuscate(uint32(pwd), nonceDigits)
	if err != nil {
		return err
	}
	pwdFr := frame.New(frame.NewField("", strconv.FormatUint(uint64(obfuscated), 10)))
	if err := s.pipe.WriteFrame(ctx, pwdFr); err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "write obfuscated password", err)
	}

	reply, err := s.pipe.ReadFrame(ctx)
	if err != nil {
		return opnerr.Wrap(opnerr.NegotiationTimeout, "read legacy auth reply", err)
	}
	if !isAckFrame(reply) {
		return opnerr.New(opnerr.AuthenticationInvalid, "gateway rejected legacy password")
	}
	return nil
}
