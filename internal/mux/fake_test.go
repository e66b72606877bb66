package mux

import (
	"context"
	"io"
	"sync"

	"i4.energy/across/at-gateway/internal/transport"
)

// fakeTransport is a channel-backed Transport double, modeled on the
// blocking-read fakes used to test AT command loops: Read blocks until
// data is queued or the fake is closed, the way a real serial port
// would, so the multiplexer's reader goroutine behaves the same way
// it would against real hardware.
type fakeTransport struct {
	mu      sync.Mutex
	feed    chan []byte
	written chan string
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		feed:    make(chan []byte, 64),
		written: make(chan string, 64),
	}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	data, ok := <-f.feed
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.written <- string(p)
	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.feed)
	return nil
}

// send queues data to be read back as if the modem had sent it.
func (f *fakeTransport) send(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.feed <- []byte(data)
	}
}

// fakeDialer hands out a single fakeTransport, or an error for the
// first N dial attempts to simulate a modem that takes a while to
// come up.
type fakeDialer struct {
	mu          sync.Mutex
	tr          *fakeTransport
	failFirst   int
	dialAttempt int
	dials       chan struct{}
}

func newFakeDialer(tr *fakeTransport) *fakeDialer {
	return &fakeDialer{tr: tr, dials: make(chan struct{}, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialAttempt++
	select {
	case d.dials <- struct{}{}:
	default:
	}
	if d.dialAttempt <= d.failFirst {
		return nil, io.ErrClosedPipe
	}
	return d.tr, nil
}
