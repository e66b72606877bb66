// Package urc turns unsolicited result code lines surfaced by the
// multiplexer into typed events, dispatched from a single draining
// goroutine so handler side effects (issuing follow-up AT commands,
// publishing to the broadcast bus) never run concurrently with each
// other or with the transaction that is currently in flight.
package urc

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// Kind identifies the family an unsolicited line belongs to. It is a
// closed set matched with a switch in Dispatcher.dispatch, not an open
// registry of handler interfaces.
type Kind int

const (
	KindUnknown Kind = iota
	KindCall
	KindMemoryFull
	KindNewSMS
	KindPDCP
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindMemoryFull:
		return "memory-full"
	case KindNewSMS:
		return "new-sms"
	case KindPDCP:
		return "pdcp"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Line is a single classified unsolicited result code, ready for
// dispatch.
type Line struct {
	Kind Kind
	Raw  string
}

// Classify maps a raw URC line to its Kind. It mirrors the ordering
// of the match table in internal/at: memory-full is checked before
// new-sms since both can mention +CMS ERROR/+CMTI style prefixes in
// adjacent positions on some firmwares.
func Classify(line string) Kind {
	switch {
	case line == "RING", strings.HasPrefix(line, "+CLIP:"):
		return KindCall
	case strings.Contains(line, `+CIEV: "MESSAGE",0`), strings.Contains(line, "+CMS ERROR: 322"):
		return KindMemoryFull
	case strings.HasPrefix(line, "+CMTI:"):
		return KindNewSMS
	case strings.HasPrefix(line, "^PDCPDATAINFO:"):
		return KindPDCP
	case strings.HasPrefix(line, "^CERSSI:"), strings.HasPrefix(line, "^HCSQ:"):
		return KindSignal
	default:
		return KindUnknown
	}
}

const queueCapacity = 128

// Dispatcher drains a bounded queue of unsolicited lines on its own
// goroutine and routes each to the Handlers it was built with. A full
// queue drops its oldest entry rather than blocking the multiplexer
// that feeds it, the same trade the broadcast bus makes for slow
// subscribers.
type Dispatcher struct {
	queue    chan Line
	handlers Handlers
	logger   *slog.Logger
}

// Handlers groups the per-Kind side effects a Dispatcher invokes.
// Any field left nil is simply skipped, so callers that only care
// about a subset of URC families (tests, partial deployments) do not
// need stub implementations.
type Handlers struct {
	Call       func(ctx context.Context, line string)
	MemoryFull func(ctx context.Context, line string)
	NewSMS     func(ctx context.Context, line string)
	PDCP       func(ctx context.Context, line string)
	Signal     func(ctx context.Context, line string)
}

// NewDispatcher builds a Dispatcher ready to accept lines via Feed.
// Call Run to start draining it.
func NewDispatcher(handlers Handlers, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    make(chan Line, queueCapacity),
		handlers: handlers,
		logger:   logger,
	}
}

// Feed enqueues a raw URC line for dispatch. It never blocks: if the
// queue is full, the oldest queued line is dropped and a warning is
// logged, trading history for liveness.
func (d *Dispatcher) Feed(raw string) {
	line := Line{Kind: Classify(raw), Raw: raw}
	select {
	case d.queue <- line:
		return
	default:
	}
	select {
	case <-d.queue:
		d.logger.Warn("urc: dropped oldest queued line, queue full", "dropped_for", line.Kind.String())
	default:
	}
	select {
	case d.queue <- line:
	default:
		d.logger.Warn("urc: queue full after eviction, dropping line", "kind", line.Kind.String())
	}
}

// Run drains the queue until ctx is canceled. It is meant to be run
// on its own goroutine for the lifetime of the gateway.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-d.queue:
			d.dispatch(ctx, line)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, line Line) {
	var handler func(ctx context.Context, line string)
	switch line.Kind {
	case KindCall:
		handler = d.handlers.Call
	case KindMemoryFull:
		handler = d.handlers.MemoryFull
	case KindNewSMS:
		handler = d.handlers.NewSMS
	case KindPDCP:
		handler = d.handlers.PDCP
	case KindSignal:
		handler = d.handlers.Signal
	default:
		d.logger.Debug("urc: unrecognized line, dropping", "raw", line.Raw)
		return
	}
	if handler == nil {
		return
	}
	handler(ctx, line.Raw)
}

// parseQuotedCSV splits a +CLIP/+CMTI style line's parameter list,
// returning the fields after the colon with surrounding quotes
// stripped from each.
func parseQuotedCSV(line string) []string {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return nil
	}
	rest := strings.TrimSpace(line[idx+1:])
	parts := strings.Split(rest, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"`)
	}
	return parts
}

// parseMemIndex extracts the trailing integer memory index argument
// common to +CMTI style notifications, e.g. `+CMTI: "SM",3` -> 3.
func parseMemIndex(line string) (int, bool) {
	parts := parseQuotedCSV(line)
	if len(parts) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}
