package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opennetty/opennetty-core/internal/frame"
	"github.com/opennetty/opennetty-core/internal/gateway"
	"github.com/opennetty/opennetty-core/internal/message"
	"github.com/opennetty/opennetty-core/internal/opnerr"
	"github.com/opennetty/opennetty-core/internal/pipeline"
	"github.com/opennetty/opennetty-core/internal/resilience"
)

func fastOptions() gateway.Options {
	return gateway.Options{
		FrameAckTimeout:                  50 * time.Millisecond,
		ActionValidationTimeout:          50 * time.Millisecond,
		ConnectionNegotiationTimeout:     50 * time.Millisecond,
		UniqueStatusReplyTimeout:         80 * time.Millisecond,
		UniqueDimensionReplyTimeout:      80 * time.Millisecond,
		MultipleStatusReplyTimeout:       80 * time.Millisecond,
		MultipleDimensionReplyTimeout:    80 * time.Millisecond,
		OutgoingMessageProcessingTimeout: 200 * time.Millisecond,
	}
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// startFakeWorker subscribes to bus as a stand-in for the worker pool's
// routeLoop: whenever it sees a MessageReady addressed to gwName, it
// calls respond to decide what to publish back. Grounded on
// homeassistant.WSClient's read-loop-dispatches-to-pending-map shape,
// mirrored here from the opposite end of the bus.
func startFakeWorker(bus *pipeline.Bus, gwName string, respond func(pipeline.Notification) []pipeline.Notification) (stop func()) {
	sub := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range sub {
			if n.Kind != pipeline.MessageReady || n.Gateway != gwName {
				continue
			}
			for _, out := range respond(n) {
				bus.Publish(out)
			}
		}
	}()
	return func() {
		bus.Unsubscribe(sub)
		<-done
	}
}

func newTestService(t *testing.T, protocol message.Protocol, opts gateway.Options) (*Service, *pipeline.Bus, *gateway.Gateway) {
	t.Helper()
	bus := pipeline.New(nil)
	bus.Connect()
	t.Cleanup(bus.Shutdown)

	gw := gateway.Gateway{Name: "gw1", Protocol: protocol, Options: opts}
	svc := New(bus, []gateway.Gateway{gw}, fastPolicy(), nil)
	return svc, bus, &gw
}

func TestExecuteCommandSuccess(t *testing.T) {
	svc, bus, gw := newTestService(t, message.Scs, fastOptions())
	stop := startFakeWorker(bus, gw.Name, func(n pipeline.Notification) []pipeline.Notification {
		return []pipeline.Notification{{Kind: pipeline.MessageSent, Gateway: gw.Name, Transaction: n.Transaction, Message: n.Message}}
	})
	defer stop()

	cat := message.NewCategory(message.WhoLighting)
	cmd := message.NewCommand(cat, "0")
	addr, err := message.FromScsArea(7)
	if err != nil {
		t.Fatalf("FromScsArea: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.ExecuteCommand(ctx, message.Scs, cmd, addr, nil, gateway.SendOptions{}); err != nil {
		t.Fatalf("got error %v, want nil", err)
	}
}

func TestExecuteCommandInvalidFrameDoesNotRetry(t *testing.T) {
	svc, bus, gw := newTestService(t, message.Scs, fastOptions())
	var attempts atomic.Int32
	stop := startFakeWorker(bus, gw.Name, func(n pipeline.Notification) []pipeline.Notification {
		attempts.Add(1)
		return []pipeline.Notification{{Kind: pipeline.InvalidFrame, Gateway: gw.Name, Transaction: n.Transaction}}
	})
	defer stop()

	cat := message.NewCategory(message.WhoLighting)
	cmd := message.NewCommand(cat, "0")
	addr, err := message.FromScsArea(7)
	if err != nil {
		t.Fatalf("FromScsArea: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = svc.ExecuteCommand(ctx, message.Scs, cmd, addr, nil, gateway.SendOptions{})
	if !opnerr.Is(err, opnerr.InvalidFrame) {
		t.Fatalf("got error %v, want InvalidFrame", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("got %d worker attempts, want 1 (structural failure must not retry)", got)
	}
}

func TestExecuteCommandRetriesOnGatewayBusy(t *testing.T) {
	svc, bus, gw := newTestService(t, message.Scs, fastOptions())
	var attempts atomic.Int32
	stop := startFakeWorker(bus, gw.Name, func(n pipeline.Notification) []pipeline.Notification {
		if attempts.Add(1) < 3 {
			return []pipeline.Notification{{Kind: pipeline.GatewayBusy, Gateway: gw.Name, Transaction: n.Transaction}}
		}
		return []pipeline.Notification{{Kind: pipeline.MessageSent, Gateway: gw.Name, Transaction: n.Transaction}}
	})
	defer stop()

	cat := message.NewCategory(message.WhoLighting)
	cmd := message.NewCommand(cat, "0")
	addr, err := message.FromScsArea(7)
	if err != nil {
		t.Fatalf("FromScsArea: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.ExecuteCommand(ctx, message.Scs, cmd, addr, nil, gateway.SendOptions{}); err != nil {
		t.Fatalf("got error %v, want nil", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("got %d worker attempts, want 3", got)
	}
}

func TestGetDimensionReturnsValues(t *testing.T) {
	svc, bus, gw := newTestService(t, message.Nitoo, fastOptions())
	addr, err := message.FromNitoo(1234, 5)
	if err != nil {
		t.Fatalf("FromNitoo: %v", err)
	}
	cat := message.NewCategory(message.WhoTemperature)
	dim := message.NewDimension(cat, "0")

	stop := startFakeWorker(bus, gw.Name, func(n pipeline.Notification) []pipeline.Notification {
		reply, rerr := message.FromFrame(message.Nitoo, message.NewDimensionRead(message.Nitoo, dim, addr, []string{"0215"}).Frame)
		if rerr != nil {
			t.Fatalf("FromFrame: %v", rerr)
		}
		return []pipeline.Notification{
			{Kind: pipeline.MessageSent, Gateway: gw.Name, Transaction: n.Transaction},
			{Kind: pipeline.MessageReceived, Gateway: gw.Name, Message: reply},
		}
	})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	values, err := svc.GetDimension(ctx, message.Nitoo, dim, addr, nil, nil, gateway.SendOptions{})
	if err != nil {
		t.Fatalf("got error %v, want nil", err)
	}
	if len(values) != 1 || values[0] != "0215" {
		t.Fatalf("got values %v, want [0215]", values)
	}
}

func TestGetDimensionTimesOutWithoutMatchingReply(t *testing.T) {
	svc, bus, gw := newTestService(t, message.Nitoo, fastOptions())
	stop := startFakeWorker(bus, gw.Name, func(n pipeline.Notification) []pipeline.Notification {
		return []pipeline.Notification{{Kind: pipeline.MessageSent, Gateway: gw.Name, Transaction: n.Transaction}}
	})
	defer stop()

	addr, err := message.FromNitoo(1234, 5)
	if err != nil {
		t.Fatalf("FromNitoo: %v", err)
	}
	cat := message.NewCategory(message.WhoTemperature)
	dim := message.NewDimension(cat, "0")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = svc.GetDimension(ctx, message.Nitoo, dim, addr, nil, nil, gateway.SendOptions{})
	if !opnerr.Is(err, opnerr.NoDimensionReceived) {
		t.Fatalf("got error %v, want NoDimensionReceived", err)
	}
}

// TestEnumerateDimensionsYieldsUntilAck covers P8: every matching reply
// is yielded, then the stream ends cleanly on the gateway's ack.
func TestEnumerateDimensionsYieldsUntilAck(t *testing.T) {
	svc, bus, gw := newTestService(t, message.Nitoo, fastOptions())
	addr, err := message.FromNitoo(1234, 5)
	if err != nil {
		t.Fatalf("FromNitoo: %v", err)
	}
	cat := message.NewCategory(message.WhoTemperature)
	dim := message.NewDimension(cat, "0")

	stop := startFakeWorker(bus, gw.Name, func(n pipeline.Notification) []pipeline.Notification {
		read1, _ := message.FromFrame(message.Nitoo, message.NewDimensionRead(message.Nitoo, dim, addr, []string{"1"}).Frame)
		read2, _ := message.FromFrame(message.Nitoo, message.NewDimensionRead(message.Nitoo, dim, addr, []string{"2"}).Frame)
		ackFr := frameAck()
		ack, _ := message.FromFrame(message.Nitoo, ackFr)
		return []pipeline.Notification{
			{Kind: pipeline.MessageSent, Gateway: gw.Name, Transaction: n.Transaction},
			{Kind: pipeline.MessageReceived, Gateway: gw.Name, Message: read1},
			{Kind: pipeline.MessageReceived, Gateway: gw.Name, Message: read2},
			{Kind: pipeline.MessageReceived, Gateway: gw.Name, Message: ack},
		}
	})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := svc.EnumerateDimensions(ctx, message.Nitoo, dim, addr, nil)
	if err != nil {
		t.Fatalf("got error %v, want nil", err)
	}

	var got []string
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("got unexpected event error %v", ev.Err)
		}
		got = append(got, ev.Values...)
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("got values %v, want [1 2]", got)
	}
}

// TestEnumerateStatusesTimesOutCleanly covers scenario 6: no reply at
// all ends the stream normally, with no items and no error.
func TestEnumerateStatusesTimesOutCleanly(t *testing.T) {
	svc, bus, gw := newTestService(t, message.Scs, fastOptions())
	stop := startFakeWorker(bus, gw.Name, func(n pipeline.Notification) []pipeline.Notification {
		return []pipeline.Notification{{Kind: pipeline.MessageSent, Gateway: gw.Name, Transaction: n.Transaction}}
	})
	defer stop()

	cat := message.NewCategory(message.WhoLighting)
	addr, err := message.FromScsArea(7)
	if err != nil {
		t.Fatalf("FromScsArea: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := svc.EnumerateStatuses(ctx, message.Scs, cat, addr, nil)
	if err != nil {
		t.Fatalf("got error %v, want nil", err)
	}

	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("got event %+v, want channel closed with no items", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for enumerate to end")
	}
}

func TestObserveEventsExcludesAcknowledgements(t *testing.T) {
	svc, bus, gw := newTestService(t, message.Scs, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.ObserveEvents(ctx, message.Scs)

	cat := message.NewCategory(message.WhoLighting)
	addr, err := message.FromScsArea(7)
	if err != nil {
		t.Fatalf("FromScsArea: %v", err)
	}
	cmdMsg := message.NewBusCommand(message.Scs, message.NewCommand(cat, "1"), addr)

	ackFr := frameAck()
	ack, _ := message.FromFrame(message.Scs, ackFr)

	bus.Publish(pipeline.Notification{Kind: pipeline.MessageReceived, Gateway: gw.Name, Message: ack, Session: pipeline.SessionRef{Type: gateway.SessionCommand}})
	bus.Publish(pipeline.Notification{Kind: pipeline.MessageReceived, Gateway: gw.Name, Message: cmdMsg, Session: pipeline.SessionRef{Type: gateway.SessionCommand}})

	select {
	case got := <-events:
		if got.Type != message.BusCommand {
			t.Fatalf("got type %v, want BusCommand (ack must be filtered out)", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observed event")
	}
}

// frameAck builds the canonical *#*1## ack frame by hand: message has no
// exported ack constructor since ack/nack are only ever replies, never
// client-built requests.
func frameAck() frame.Frame {
	return frame.New(frame.NewField("", ""), frame.NewField("1"))
}
