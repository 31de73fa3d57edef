package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opennetty/opennetty-core/internal/auth"
	"github.com/opennetty/opennetty-core/internal/frame"
	"github.com/opennetty/opennetty-core/internal/gateway"
	"github.com/opennetty/opennetty-core/internal/iopipe"
	"github.com/opennetty/opennetty-core/internal/message"
	"github.com/opennetty/opennetty-core/internal/opnerr"
)

// newTestSession wires a Session directly to one end of a net.Pipe, the
// same in-process duplex stub the teacher's transport tests reach for,
// bypassing transport.Open/Negotiate so each test can script exactly the
// bytes the peer sends.
func newTestSession(t *testing.T, protocol message.Protocol) (*Session, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	gw := &gateway.Gateway{
		Name:     "test",
		Protocol: protocol,
		Password: "secret",
		Options:  gateway.DefaultOptions(),
	}
	gw.Options.FrameAckTimeout = 200 * time.Millisecond
	gw.Options.ActionValidationTimeout = 200 * time.Millisecond

	s := &Session{
		ID:       "test-session",
		Gateway:  gw,
		logger:   slog.Default(),
		pipe:     iopipe.New(local, local, local, true, nil),
		inbound:  make(chan message.Message, 16),
		readDone: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.readCancel = cancel
	go s.readLoop(ctx)

	t.Cleanup(func() { remote.Close() })
	return s, remote
}

func writeFrame(t *testing.T, conn net.Conn, fr frame.Frame) {
	t.Helper()
	if _, err := conn.Write(fr.Bytes()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func ackFrame() frame.Frame {
	return frame.New(frame.NewField("", ""), frame.NewField("1"))
}

func nackFrame() frame.Frame {
	return frame.New(frame.NewField("", ""), frame.NewField("0"))
}

func busyFrame() frame.Frame {
	return frame.New(frame.NewField("", ""), frame.NewField("6"))
}

// TestSendReceivesAck covers the basic happy path: write, ack, done.
func TestSendReceivesAck(t *testing.T) {
	s, remote := newTestSession(t, message.Nitoo)
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		cmd := message.NewBusCommand(message.Nitoo, message.NewCommand(message.NewCategory(message.WhoLighting), "1"),
			message.Address{Kind: message.NitooDevice, Value: "16"})
		done <- s.Send(context.Background(), cmd, gateway.SendOptions{})
	}()

	buf := make([]byte, 256)
	n, err := remote.Read(buf)
	if err != nil {
		t.Fatalf("read sent frame: %v", err)
	}
	if n == 0 {
		t.Fatal("expected sent bytes")
	}
	writeFrame(t, remote, ackFrame())

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Send")
	}
}

// TestSendBusyNackMapsToGatewayBusy covers P7: a BUSY NACK reply maps to
// opnerr.GatewayBusy.
func TestSendBusyNackMapsToGatewayBusy(t *testing.T) {
	s, remote := newTestSession(t, message.Zigbee)
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		cmd := message.NewBusCommand(message.Zigbee, message.NewCommand(message.NewCategory(message.WhoLighting), "1"),
			message.Address{Kind: message.ZigbeeAllDevicesAllUnits, Value: "00"})
		done <- s.Send(context.Background(), cmd, gateway.SendOptions{})
	}()

	buf := make([]byte, 256)
	if _, err := remote.Read(buf); err != nil {
		t.Fatalf("read sent frame: %v", err)
	}
	writeFrame(t, remote, busyFrame())

	select {
	case err := <-done:
		if !opnerr.Is(err, opnerr.GatewayBusy) {
			t.Fatalf("got error %v, want GatewayBusy", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Send")
	}
}

// TestSendNackMapsToInvalidFrame covers the NACK reply path.
func TestSendNackMapsToInvalidFrame(t *testing.T) {
	s, remote := newTestSession(t, message.Nitoo)
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		cmd := message.NewBusCommand(message.Nitoo, message.NewCommand(message.NewCategory(message.WhoLighting), "1"),
			message.Address{Kind: message.NitooDevice, Value: "16"})
		done <- s.Send(context.Background(), cmd, gateway.SendOptions{})
	}()

	buf := make([]byte, 256)
	if _, err := remote.Read(buf); err != nil {
		t.Fatalf("read sent frame: %v", err)
	}
	writeFrame(t, remote, nackFrame())

	select {
	case err := <-done:
		if !opnerr.Is(err, opnerr.InvalidFrame) {
			t.Fatalf("got error %v, want InvalidFrame", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Send")
	}
}

// TestSendTimesOutWithoutAck covers P6: no reply within FrameAckTimeout
// surfaces as NoAcknowledgementReceived.
func TestSendTimesOutWithoutAck(t *testing.T) {
	s, remote := newTestSession(t, message.Nitoo)
	defer s.Close()
	// The peer reads and discards the sent frame but never replies.
	go io.Copy(io.Discard, remote)

	cmd := message.NewBusCommand(message.Nitoo, message.NewCommand(message.NewCategory(message.WhoLighting), "1"),
		message.Address{Kind: message.NitooDevice, Value: "16"})
	err := s.Send(context.Background(), cmd, gateway.SendOptions{})
	if !opnerr.Is(err, opnerr.NoAcknowledgementReceived) {
		t.Fatalf("got error %v, want NoAcknowledgementReceived", err)
	}
}

// TestConcurrentSendRejected covers P5: a second concurrent Send call on
// the same session fails fast instead of queuing.
func TestConcurrentSendRejected(t *testing.T) {
	s, remote := newTestSession(t, message.Nitoo)
	defer s.Close()
	go io.Copy(io.Discard, remote)

	cmd := message.NewBusCommand(message.Nitoo, message.NewCommand(message.NewCategory(message.WhoLighting), "1"),
		message.Address{Kind: message.NitooDevice, Value: "16"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			errs[i] = s.Send(context.Background(), cmd, gateway.SendOptions{})
		}()
	}
	wg.Wait()

	concurrentCount := 0
	for _, err := range errs {
		if opnerr.Is(err, opnerr.ConcurrentSendAttempted) {
			concurrentCount++
		}
	}
	if concurrentCount == 0 {
		t.Fatal("expected at least one ConcurrentSendAttempted error")
	}
}

// TestDigestAuthNegotiatesMethodAndNonces exercises the digest
// negotiation branch's wire shapes up through the client response (P9:
// the client response is a deterministic function of the server nonce,
// client nonce and password — exercised directly in the auth package's
// own tests). This test drives a scripted peer far enough to confirm
// the session selects the requested method and frames its response with
// valid digit-encoded nonces, then ends the exchange with a server
// response digest that won't verify, covering the AuthenticationInvalid failure path
// without needing to reimplement the digest inside the test.
func TestDigestAuthNegotiatesMethodAndNonces(t *testing.T) {
	local, remote := net.Pipe()
	gw := &gateway.Gateway{
		Name:     "test",
		Protocol: message.Nitoo,
		Password: "hunter2",
		Options:  gateway.DefaultOptions(),
	}
	gw.Options.ConnectionNegotiationTimeout = 2 * time.Second

	s := &Session{
		ID:      "test-session",
		Gateway: gw,
		logger:  slog.Default(),
		pipe:    iopipe.New(local, local, local, true, nil),
	}

	serverNonce := []byte{0x01, 0x02, 0x03, 0x04}
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- s.negotiateTyped(ctx, gateway.SessionCommand)
	}()

	readOneFrame := func() frame.Frame {
		buf := make([]byte, 512)
		n, err := remote.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		fr, _, err := frame.Scan(buf[:n])
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		return fr
	}

	writeFrame(t, remote, ackFrame())

	selectFr := readOneFrame()
	if selectFr.Fields[1].Params[0] != "9" {
		t.Fatalf("expected command session selector 9, got %v", selectFr.Fields[1].Params)
	}

	writeFrame(t, remote, frame.New(frame.NewField("98"), frame.NewField("1")))

	ackMethod := readOneFrame()
	if len(ackMethod.Fields) != 1 || len(ackMethod.Fields[0].Params) != 2 || ackMethod.Fields[0].Params[0] != "" {
		t.Fatalf("expected single-field method ack, got %v", ackMethod)
	}

	writeFrame(t, remote, frame.New(frame.NewField("", auth.HexToDigits(serverNonce))))

	clientResp := readOneFrame()
	clientNonceDigits := clientResp.Fields[0].Params[1]
	clientDigestDigits := clientResp.Fields[1].Params[0]
	if _, err := auth.DigitsToHex(clientNonceDigits); err != nil {
		t.Fatalf("client nonce digits malformed: %v", err)
	}
	if len(clientDigestDigits)%4 != 0 {
		t.Fatalf("client digest digits malformed: %q", clientDigestDigits)
	}

	// An arbitrary (non-matching) server response digest drives the
	// AuthenticationInvalid path.
	writeFrame(t, remote, frame.New(frame.NewField("", auth.HexToDigits([]byte{0xAA, 0xBB, 0xCC, 0xDD}))))

	err := <-errCh
	if !opnerr.Is(err, opnerr.AuthenticationInvalid) {
		t.Fatalf("got error %v, want AuthenticationInvalid", err)
	}
}
