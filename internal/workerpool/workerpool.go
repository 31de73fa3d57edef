// Package workerpool implements the per-gateway session supervisor
// (spec C7): for every gateway it keeps each of gateway.RequiredSessions
// alive, reconnecting with exponential backoff on failure, and routes
// MessageReady notifications picked up from the pipeline bus to the
// gateway's routing session, republishing the outcome.
//
// The reconnect-with-backoff shape is adapted from the teacher's
// internal/connwatch.Watcher: where connwatch probes an optional
// external dependency and falls back to slow background polling once
// startup retries are exhausted, a gateway session is mandatory for the
// runtime to do anything useful, so this supervisor never gives up — it
// keeps negotiating with the same capped exponential delay forever.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/opennetty/opennetty-core/internal/gateway"
	"github.com/opennetty/opennetty-core/internal/opnerr"
	"github.com/opennetty/opennetty-core/internal/pipeline"
	"github.com/opennetty/opennetty-core/internal/session"
)

// BackoffConfig controls a session slot's reconnect schedule, the same
// shape as connwatch.BackoffConfig minus the startup/poll-phase split
// this supervisor doesn't need.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoffConfig mirrors connwatch.DefaultBackoffConfig's startup
// schedule: 2s, 4s, 8s, 16s, 32s, 60s capped.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2.0}
}

// SessionStatus is one slot's current health, suitable for the Status()
// health report SPEC_FULL.md §3.4 requires — shaped like connwatch's
// ServiceStatus.
type SessionStatus struct {
	Gateway   string
	Type      gateway.SessionType
	Ready     bool
	LastError string
	LastCheck time.Time
}

// slot supervises one (gateway, SessionType) pair: negotiate, hold the
// live *session.Session, forward its inbound stream, and reconnect with
// backoff when it dies.
type slot struct {
	gw      *gateway.Gateway
	typ     gateway.SessionType
	bus     *pipeline.Bus
	backoff BackoffConfig
	logger  *slog.Logger

	mu        sync.Mutex
	current   *session.Session
	ready     bool
	lastErr   error
	lastCheck time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newSlot(gw *gateway.Gateway, typ gateway.SessionType, bus *pipeline.Bus, backoff BackoffConfig, logger *slog.Logger) *slot {
	return &slot{gw: gw, typ: typ, bus: bus, backoff: backoff, logger: logger, done: make(chan struct{})}
}

func (s *slot) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
}

func (s *slot) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *slot) status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{Gateway: s.gw.Name, Type: s.typ, Ready: s.ready, LastCheck: s.lastCheck}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *slot) record(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.lastCheck = time.Now()
	s.mu.Unlock()
}

func (s *slot) setSession(sess *session.Session) {
	s.mu.Lock()
	s.current = sess
	s.ready = sess != nil
	s.mu.Unlock()
}

func (s *slot) run(ctx context.Context) {
	defer close(s.done)
	delay := s.backoff.InitialDelay
	if delay <= 0 {
		delay = DefaultBackoffConfig().InitialDelay
	}
	maxDelay := s.backoff.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffConfig().MaxDelay
	}
	multiplier := s.backoff.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultBackoffConfig().Multiplier
	}

	for {
		if ctx.Err() != nil {
			return
		}

		sess, err := session.Negotiate(ctx, s.gw, s.typ, s.logger)
		s.record(err)
		if err != nil {
			s.logger.Warn("session negotiation failed, retrying",
				"gateway", s.gw.Name, "session_type", s.typ.String(),
				"error", err, "retry", humanize.Time(time.Now().Add(delay)))
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = time.Duration(float64(delay) * multiplier)
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		s.logger.Info("session established", "gateway", s.gw.Name, "session_type", s.typ.String())
		s.setSession(sess)
		delay = s.backoff.InitialDelay
		if delay <= 0 {
			delay = DefaultBackoffConfig().InitialDelay
		}

		s.forwardInbound(ctx, sess)

		s.setSession(nil)
		sess.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("session lost, reconnecting", "gateway", s.gw.Name, "session_type", s.typ.String())
	}
}

// forwardInbound republishes every message the session receives as a
// MessageReceived notification, until the session's Inbound channel
// closes (the session died).
func (s *slot) forwardInbound(ctx context.Context, sess *session.Session) {
	for {
		select {
		case msg, ok := <-sess.Inbound():
			if !ok {
				return
			}
			s.bus.Publish(pipeline.Notification{
				Kind:    pipeline.MessageReceived,
				Gateway: s.gw.Name,
				Session: pipeline.SessionRef{ID: sess.ID, Type: s.typ},
				Message: msg,
			})
		case <-ctx.Done():
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// gatewaySupervisor owns every session slot one gateway requires, plus
// the subscription that routes MessageReady notifications addressed to
// it onto its routing session.
type gatewaySupervisor struct {
	gw   *gateway.Gateway
	bus  *pipeline.Bus
	subs map[gateway.SessionType]*slot

	sub    <-chan pipeline.Notification
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool supervises every configured gateway's sessions and routes
// outbound traffic picked up from the pipeline bus.
type Pool struct {
	bus     *pipeline.Bus
	logger  *slog.Logger
	backoff BackoffConfig

	mu       sync.RWMutex
	gateways map[string]*gatewaySupervisor
}

// New creates a Pool that dispatches and republishes on bus.
func New(bus *pipeline.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{bus: bus, logger: logger, backoff: DefaultBackoffConfig(), gateways: make(map[string]*gatewaySupervisor)}
}

// Start begins supervising gws: every required session type per gateway
// is negotiated and kept alive, and a dedicated subscription routes
// MessageReady notifications addressed to that gateway.
func (p *Pool) Start(ctx context.Context, gws []gateway.Gateway) {
	for i := range gws {
		gw := gws[i]
		p.startGateway(ctx, &gw)
	}
}

func (p *Pool) startGateway(ctx context.Context, gw *gateway.Gateway) {
	gsCtx, cancel := context.WithCancel(ctx)
	gs := &gatewaySupervisor{
		gw:     gw,
		bus:    p.bus,
		subs:   make(map[gateway.SessionType]*slot),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, typ := range gw.RequiredSessions() {
		sl := newSlot(gw, typ, p.bus, p.backoff, p.logger.With("gateway", gw.Name))
		sl.start(gsCtx)
		gs.subs[typ] = sl
	}

	gs.sub = p.bus.Subscribe(256)
	go gs.routeLoop(gsCtx, p.logger)

	p.mu.Lock()
	p.gateways[gw.Name] = gs
	p.mu.Unlock()
}

// routeLoop dispatches every MessageReady notification addressed to
// this gateway onto its routing session.
func (gs *gatewaySupervisor) routeLoop(ctx context.Context, logger *slog.Logger) {
	defer close(gs.done)
	for {
		select {
		case n, ok := <-gs.sub:
			if !ok {
				return
			}
			if n.Kind != pipeline.MessageReady || n.Gateway != gs.gw.Name {
				continue
			}
			gs.dispatch(ctx, n, logger)
		case <-ctx.Done():
			return
		}
	}
}

func (gs *gatewaySupervisor) dispatch(ctx context.Context, n pipeline.Notification, logger *slog.Logger) {
	routing := gs.gw.RoutingSession()
	sl, ok := gs.subs[routing]
	if !ok {
		return
	}
	sl.mu.Lock()
	sess := sl.current
	sl.mu.Unlock()

	if sess == nil {
		gs.bus.Publish(pipeline.Notification{
			Kind: pipeline.NoAcknowledgmentReceived, Gateway: gs.gw.Name, Transaction: n.Transaction,
		})
		return
	}

	// sess.Send owns its own ack/action-validation deadlines
	// (gw.Options.FrameAckTimeout/ActionValidationTimeout); dispatch must
	// not impose a shorter ceiling of its own. OutgoingMessageProcessingTimeout
	// is the Service layer's "no worker ever picked this up" safeguard, not
	// a budget for an in-flight send.
	err := sess.Send(ctx, n.Message, n.Options)
	ref := pipeline.SessionRef{ID: sess.ID, Type: routing}
	switch {
	case err == nil:
		gs.bus.Publish(pipeline.Notification{
			Kind: pipeline.MessageSent, Gateway: gs.gw.Name, Session: ref,
			Message: n.Message, Transaction: n.Transaction,
		})
	case opnerr.Is(err, opnerr.GatewayBusy):
		gs.bus.Publish(pipeline.Notification{Kind: pipeline.GatewayBusy, Gateway: gs.gw.Name, Session: ref, Transaction: n.Transaction})
	case opnerr.Is(err, opnerr.InvalidAction):
		gs.bus.Publish(pipeline.Notification{Kind: pipeline.InvalidAction, Gateway: gs.gw.Name, Session: ref, Transaction: n.Transaction})
	case opnerr.Is(err, opnerr.InvalidFrame):
		gs.bus.Publish(pipeline.Notification{Kind: pipeline.InvalidFrame, Gateway: gs.gw.Name, Session: ref, Transaction: n.Transaction})
	case opnerr.Is(err, opnerr.NoActionReceived):
		gs.bus.Publish(pipeline.Notification{Kind: pipeline.NoActionReceived, Gateway: gs.gw.Name, Session: ref, Transaction: n.Transaction})
	default:
		logger.Warn("send failed", "gateway", gs.gw.Name, "error", err)
		gs.bus.Publish(pipeline.Notification{Kind: pipeline.NoAcknowledgmentReceived, Gateway: gs.gw.Name, Session: ref, Transaction: n.Transaction})
	}
}

// Stop cancels every gateway's session slots and routing loop and waits
// for them to exit.
func (p *Pool) Stop() {
	p.mu.RLock()
	gws := make([]*gatewaySupervisor, 0, len(p.gateways))
	for _, gs := range p.gateways {
		gws = append(gws, gs)
	}
	p.mu.RUnlock()

	for _, gs := range gws {
		gs.cancel()
		for _, sl := range gs.subs {
			sl.stop()
		}
		<-gs.done
		p.bus.Unsubscribe(gs.sub)
	}
}

// Status reports every supervised session's current health.
func (p *Pool) Status() map[string]SessionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]SessionStatus)
	for _, gs := range p.gateways {
		for typ, sl := range gs.subs {
			out[gs.gw.Name+"/"+typ.String()] = sl.status()
		}
	}
	return out
}
