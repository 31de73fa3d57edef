// Package transport implements the connection factory (spec C3): opening
// either a serial port or a TCP socket and handing back a framed pipe.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.bug.st/serial"

	"github.com/opennetty/opennetty-core/internal/iopipe"
)

// Kind selects which physical transport a Descriptor opens.
type Kind int

const (
	KindSerial Kind = iota
	KindTCP
)

// SerialConfig carries the four knobs spec.md §4.3/§6 requires for a
// serial port: baud rate, parity, data bits, stop bits.
type SerialConfig struct {
	Port     string
	BaudRate int
	Parity   serial.Parity
	DataBits int
	StopBits serial.StopBits
}

// TCPConfig carries the TCP endpoint to dial.
type TCPConfig struct {
	Address string
}

// Descriptor names one transport configuration. Exactly one of Serial/
// TCP is meaningful, selected by Kind.
type Descriptor struct {
	Kind   Kind
	Serial SerialConfig
	TCP    TCPConfig
}

const (
	tcpKeepAliveIdle     = 2 * time.Second
	tcpKeepAliveInterval = 1 * time.Second
	tcpKeepAliveCount    = 2
)

// Open opens the transport named by d, discards any bytes already
// buffered from a prior session, and wraps the resulting stream in an
// owned framed pipe.
func Open(ctx context.Context, d Descriptor, logger *slog.Logger) (*iopipe.Pipe, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch d.Kind {
	case KindSerial:
		return openSerial(d.Serial, logger)
	case KindTCP:
		return openTCP(ctx, d.TCP, logger)
	default:
		return nil, fmt.Errorf("transport: unknown descriptor kind %d", d.Kind)
	}
}

func openSerial(cfg SerialConfig, logger *slog.Logger) (*iopipe.Pipe, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		Parity:   cfg.Parity,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial port %s: %w", cfg.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.Warn("failed to discard buffered serial input", "port", cfg.Port, "error", err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		logger.Warn("failed to discard buffered serial output", "port", cfg.Port, "error", err)
	}
	return iopipe.New(port, port, port, true, logger), nil
}

func openTCP(ctx context.Context, cfg TCPConfig, logger *slog.Logger) (*iopipe.Pipe, error) {
	dialer := net.Dialer{
		KeepAlive: -1, // disable the default keep-alive; we set our own tuning below.
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     tcpKeepAliveIdle,
			Interval: tcpKeepAliveInterval,
			Count:    tcpKeepAliveCount,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", cfg.Address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			logger.Warn("failed to disable Nagle's algorithm", "address", cfg.Address, "error", err)
		}
	}
	return iopipe.New(conn, conn, conn, true, logger), nil
}
