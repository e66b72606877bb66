// Package mux implements the single-writer, single-reader AT command
// multiplexer: one goroutine owns the modem transport for its entire
// lifetime, serializing command transactions against it while still
// forwarding unsolicited result codes (URCs) that arrive between or
// around them.
//
// Callers never touch the transport directly. They call Submit, which
// hands the command to the multiplexer's goroutine over a channel and
// blocks for the reply.
package mux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"i4.energy/across/at-gateway/internal/at"
	"i4.energy/across/at-gateway/internal/broadcast"
	"i4.energy/across/at-gateway/internal/transport"
)

// State is the multiplexer's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StateInTransaction
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateInTransaction:
		return "in_transaction"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced through Response.Err and Submit.
var (
	ErrClosed       = errors.New("mux: closed")
	ErrDisconnected = errors.New("mux: transport disconnected")
	ErrTimeout      = errors.New("mux: command timed out")
)

// Response is the result of a single command transaction, shaped to
// travel over the WebSocket gateway as JSON as well as being returned
// from Submit.
type Response struct {
	Success bool   `json:"success"`
	Body    string `json:"body"`
	Err     string `json:"err,omitempty"`
	// Prompt is true when the transaction ended on the SMS text-entry
	// prompt ("> ") rather than a final result code.
	Prompt bool `json:"prompt,omitempty"`
}

// OK reports whether the transaction completed without error.
func (r Response) OK() bool {
	return r.Success
}

// AsError returns the response's error text as a Go error, or nil if
// the transaction succeeded.
func (r Response) AsError() error {
	if r.Err == "" {
		return nil
	}
	return errors.New(r.Err)
}

const (
	prePauseDuration      = 100 * time.Millisecond
	preDrainWindow        = 10 * time.Millisecond
	transactionTimeout    = 10 * time.Second
	perReadTimeout        = 1 * time.Second
	defaultReconnectDelay = 5 * time.Second
	interTransactionGap   = 1 * time.Second
)

type request struct {
	cmd   string
	reply chan Response
}

// Mux owns a single modem transport and serializes AT command
// transactions against it, dispatching URCs as they're observed.
type Mux struct {
	dialer transport.Dialer
	rules  []at.URCRule
	onURC  func(line string)
	bus    *broadcast.Bus
	logger *slog.Logger

	reconnectDelay time.Duration

	cmdCh chan request
	state atomic.Int32

	closeOnce chan struct{}
	done      chan struct{}
}

// Option configures a Mux at construction time.
type Option func(*Mux)

// WithURCRules overrides the default URC classifier table.
func WithURCRules(rules []at.URCRule) Option {
	return func(m *Mux) { m.rules = rules }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mux) { m.logger = logger }
}

// WithReconnectDelay overrides the default 5s reconnect backoff.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Mux) { m.reconnectDelay = d }
}

// WithBroadcastBus registers a broadcast.Bus to receive a raw_data
// event for every line the classifier marks as a URC, idle or
// interleaved with a transaction alike.
func WithBroadcastBus(bus *broadcast.Bus) Option {
	return func(m *Mux) { m.bus = bus }
}

// New builds a Mux. onURC is invoked synchronously from the
// multiplexer's own goroutine for every line classified as a URC; it
// must not block or call back into Submit.
func New(dialer transport.Dialer, onURC func(line string), opts ...Option) *Mux {
	m := &Mux{
		dialer:         dialer,
		rules:          at.DefaultURCRules,
		onURC:          onURC,
		logger:         slog.Default(),
		reconnectDelay: defaultReconnectDelay,
		cmdCh:          make(chan request),
		closeOnce:      make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.setState(StateDisconnected)
	return m
}

func (m *Mux) setState(s State) {
	m.state.Store(int32(s))
}

// State returns the multiplexer's current lifecycle state.
func (m *Mux) State() State {
	return State(m.state.Load())
}

// Submit sends cmd to the modem and blocks until a transaction result
// is available or ctx is done. cmd should be a full AT command (e.g.
// "AT+CPIN?"); the multiplexer appends the CRLF terminator.
func (m *Mux) Submit(ctx context.Context, cmd string) (Response, error) {
	req := request{cmd: cmd, reply: make(chan Response, 1)}
	select {
	case <-m.done:
		return Response{}, ErrClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case m.cmdCh <- req:
	}

	select {
	case resp := <-req.reply:
		return resp, resp.AsError()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-m.done:
		return Response{}, ErrClosed
	}
}

// Submitter is the command-sending capability other components (the
// URC handlers, the UI gateway) depend on instead of the concrete
// *Mux, so they can be tested against a fake without pulling in the
// transport layer.
type Submitter interface {
	Submit(ctx context.Context, cmd string) (Response, error)
}

// Close stops the multiplexer's run loop and releases the transport.
// It is safe to call Close more than once.
func (m *Mux) Close() {
	select {
	case <-m.closeOnce:
	default:
		close(m.closeOnce)
	}
	<-m.done
}

// Run is the multiplexer's main loop. It owns the transport for its
// entire lifetime: dialing, redialing on failure, serving Submit
// requests one at a time, and forwarding URCs observed outside a
// transaction. Run blocks until ctx is canceled or Close is called.
func (m *Mux) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeOnce:
			return
		default:
		}

		m.setState(StateConnecting)
		tr, err := m.dialer.Dial(ctx)
		if err != nil {
			m.logger.Warn("mux: dial failed", "error", err)
			if !m.sleepFor(ctx, m.reconnectDelay) {
				return
			}
			continue
		}

		m.logger.Info("mux: connected")
		m.serve(ctx, tr)
		tr.Close()
		m.setState(StateDisconnected)

		if !m.sleepFor(ctx, m.reconnectDelay) {
			return
		}
	}
}

// sleepFor waits for d, returning false if ctx or Close fires first.
func (m *Mux) sleepFor(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.closeOnce:
		return false
	}
}

// serve runs the idle/transaction loop against a single connected
// transport instance. It returns when the transport disconnects, ctx
// is done, or Close is called.
func (m *Mux) serve(ctx context.Context, tr transport.Transport) {
	rawCh := startReader(tr)
	framer := at.NewFramer()
	m.setState(StateIdle)

	for {
		// Drain any buffered lines first; everything seen while idle
		// is, by definition, a URC (or noise to ignore).
		if line, ok := framer.ExtractLine(); ok {
			m.observeIdleLine(line)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-m.closeOnce:
			return
		case req := <-m.cmdCh:
			m.setState(StateInTransaction)
			resp, disconnected := m.transact(ctx, tr, framer, rawCh, req.cmd)
			req.reply <- resp
			if disconnected {
				return
			}
			m.setState(StateIdle)
			if !m.sleepFor(ctx, interTransactionGap) {
				return
			}
		case raw, ok := <-rawCh:
			if !ok {
				return
			}
			framer.Feed(raw)
		}
	}
}

func (m *Mux) observeIdleLine(line string) {
	if at.IsURC(m.rules, line) {
		m.dispatchURC(line)
	}
}

func (m *Mux) dispatchURC(line string) {
	if m.bus != nil {
		m.bus.Publish(broadcast.Event{Type: broadcast.KindRawData, Data: line})
	}
	if m.onURC != nil {
		m.onURC(line)
	}
}

// transact runs a single command/response exchange: a fixed pre-pause
// to let any trailing modem chatter settle, a short non-blocking drain
// of whatever is left buffered, the write itself, then an await loop
// classifying each line until a final result code or the SMS prompt
// concludes it. The bool result reports whether the transport was
// found disconnected, telling serve to tear down and reconnect rather
// than continue idling on a dead transport.
func (m *Mux) transact(ctx context.Context, tr transport.Transport, framer *at.Framer, rawCh <-chan []byte, cmd string) (Response, bool) {
	if !m.sleepFor(ctx, prePauseDuration) {
		return errResponse(ctx.Err()), false
	}
	if disconnected := m.preDrain(ctx, framer, rawCh); disconnected {
		return errResponse(ErrDisconnected), true
	}
	framer.Reset()

	expectedPrefix := at.ExpectedPrefix(cmd)
	wire := strings.TrimSpace(cmd) + at.CRLF
	if _, err := io.WriteString(tr, wire); err != nil {
		return errResponse(fmt.Errorf("write command %q: %w", cmd, err)), true
	}

	deadline := time.NewTimer(transactionTimeout)
	defer deadline.Stop()

	var lines []string
	for {
		if line, ok := framer.ExtractLine(); ok {
			switch classifyInTransaction(m.rules, expectedPrefix, line) {
			case at.TypeFinal:
				lines = append(lines, line)
				if line == at.OK {
					return Response{Success: true, Body: strings.Join(lines, "\n")}, false
				}
				return Response{Body: strings.Join(lines, "\n"), Err: line}, false
			case at.TypePrompt:
				return Response{Success: true, Body: strings.Join(lines, "\n"), Prompt: true}, false
			case at.TypeURC:
				m.dispatchURC(line)
			default: // TypeData
				lines = append(lines, line)
			}
			continue
		}

		perRead := time.NewTimer(perReadTimeout)
		select {
		case <-ctx.Done():
			perRead.Stop()
			return partialResponse(lines, ctx.Err()), false
		case <-m.closeOnce:
			perRead.Stop()
			return partialResponse(lines, ErrClosed), false
		case <-deadline.C:
			perRead.Stop()
			return partialResponse(lines, ErrTimeout), false
		case raw, ok := <-rawCh:
			perRead.Stop()
			if !ok {
				return partialResponse(lines, ErrDisconnected), true
			}
			framer.Feed(raw)
		case <-perRead.C:
			// No data within the per-read window; loop back and let
			// the overall transaction deadline be the final word.
		}
	}
}

func errResponse(err error) Response {
	return Response{Err: err.Error()}
}

func partialResponse(lines []string, err error) Response {
	return Response{Body: strings.Join(lines, "\n"), Err: err.Error()}
}

// classifyInTransaction layers prefix disambiguation on top of
// at.Classify: a line beginning with the command's own expected
// prefix is treated as data even if it would otherwise also match a
// URC rule, since it is far more likely to be this command's own
// response than a coincidental notification.
func classifyInTransaction(rules []at.URCRule, expectedPrefix, line string) at.ResponseType {
	base := at.Classify(rules, line)
	if base == at.TypeURC && expectedPrefix != "" && strings.HasPrefix(line, expectedPrefix) {
		return at.TypeData
	}
	return base
}

// preDrain performs a short, non-blocking best-effort read to absorb
// any bytes still arriving from the previous transaction before a new
// one starts, so a stray trailing "OK" from a modem that double-sends
// final codes can't be mistaken for this transaction's result.
func (m *Mux) preDrain(ctx context.Context, framer *at.Framer, rawCh <-chan []byte) (disconnected bool) {
	deadline := time.NewTimer(preDrainWindow)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		case raw, ok := <-rawCh:
			if !ok {
				return true
			}
			framer.Feed(raw)
		}
	}
}

// startReader spawns the goroutine that owns the blocking Read calls
// against tr, forwarding raw chunks onto the returned channel. The
// channel is closed when Read returns an error (including io.EOF),
// signaling disconnection to serve's select loop.
func startReader(tr transport.Transport) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		buf := make([]byte, 1024)
		for {
			n, err := tr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- chunk
			}
			if err != nil {
				if err != io.EOF {
					slog.Default().Debug("mux: read error", "error", err)
				}
				return
			}
		}
	}()
	return out
}
