// Package transport abstracts the byte stream between the multiplexer
// and the modem, so the multiplexer can run against a serial port, a
// TCP-connected emulator, or a test fake without caring which.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.bug.st/serial"
)

// Transport is an established, bidirectional byte stream to a modem.
// A Transport is assumed already connected; Dialer is responsible for
// getting it into that state.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a modem, respecting ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens a modem over a local serial port.
type SerialDialer struct {
	PortName string
	Mode     *serial.Mode
}

// Dial opens the serial port. serial.Open has no context support, so
// the open races against ctx cancellation in a goroutine; a port that
// finishes opening after ctx is already done is closed immediately to
// avoid leaking the descriptor.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, fmt.Errorf("transport: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		port serial.Port
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := serial.Open(d.PortName, d.Mode)
		ch <- result{port: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err == nil && r.port != nil {
				_ = r.port.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open serial port %q: %w", d.PortName, r.err)
		}
		return r.port, nil
	}
}

// TCPDialer opens a modem exposed over a TCP socket, used against
// emulated modems and lab rigs that bridge a serial console to the
// network.
type TCPDialer struct {
	Address string
}

// Dial connects to Address, honoring ctx cancellation via net.Dialer.
func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Address == "" {
		return nil, fmt.Errorf("transport: tcp address is required")
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %q: %w", d.Address, err)
	}
	return conn, nil
}
