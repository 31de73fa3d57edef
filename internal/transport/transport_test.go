package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestOpenTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe, err := Open(ctx, Descriptor{Kind: KindTCP, TCP: TCPConfig{Address: ln.Addr().String()}}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pipe.Close()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
}

func TestOpenUnknownKind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Open(ctx, Descriptor{Kind: Kind(99)}, nil); err == nil {
		t.Fatal("expected an error for an unknown descriptor kind")
	}
}
