package urc

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"i4.energy/across/at-gateway/internal/broadcast"
	"i4.energy/across/at-gateway/internal/mux"
	"i4.energy/across/at-gateway/internal/pdu"
)

// Notifier is the minimal surface handlers need from the
// notifications subsystem, kept local so this package does not import
// internal/notify and its transport-specific dependencies.
type Notifier interface {
	Notify(category, title, body string)
}

// Category names passed to Notifier.Notify, matching the
// NotificationType values the original daemon reported to its log and
// MQTT channels.
const (
	CategoryCall       = "call"
	CategoryMemoryFull = "memory-full"
	CategorySMS        = "sms"
	CategorySignal     = "signal"
)

var reCLIP = regexp.MustCompile(`\+CLIP: "([^"]+)"`)
var reMONSCNR = regexp.MustCompile(`\^MONSC: NR,(\d+),(\d+),(\d+),(\d+),(-?\d+),(-?\d+),(-?\d+)`)
var reMONSCLTE = regexp.MustCompile(`\^MONSC: LTE,(\d+),(\d+),(\d+),(\d+),(-?\d+),(-?\d+),(-?\d+)`)

// Config bundles the collaborators handler functions close over:
// the submitter used to issue follow-up AT commands, the broadcast
// bus WebSocket clients subscribe to, the notifier for out-of-band
// alerts, a logger, and the partial-SMS reassembly cache.
type Config struct {
	Submitter mux.Submitter
	Bus       *broadcast.Bus
	Notifier  Notifier
	Logger    *slog.Logger
	Partial   *PartialCache
}

// BuildHandlers wires the Config's collaborators into the Handlers
// struct a Dispatcher dispatches to.
func BuildHandlers(cfg Config) Handlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Partial == nil {
		cfg.Partial = NewPartialCache()
	}
	return Handlers{
		Call:       cfg.handleCall,
		MemoryFull: cfg.handleMemoryFull,
		NewSMS:     cfg.handleNewSMS,
		PDCP:       cfg.handlePDCP,
		Signal:     cfg.handleSignal,
	}
}

func (c Config) handleCall(_ context.Context, line string) {
	number := "Unknown"
	status := "RING"
	if strings.HasPrefix(line, "+CLIP:") {
		status = "CLIP"
		if m := reCLIP.FindStringSubmatch(line); m != nil {
			number = m[1]
		}
	}
	c.Notifier.Notify(CategoryCall, "Incoming Call", number)
	c.Bus.Publish(broadcast.Event{
		Type: broadcast.KindIncomingCall,
		Data: map[string]string{"number": number, "status": status},
	})
}

func (c Config) handleMemoryFull(_ context.Context, _ string) {
	c.Notifier.Notify(CategoryMemoryFull, "SMS Memory Full", "")
}

func (c Config) handleNewSMS(ctx context.Context, line string) {
	index, ok := parseMemIndex(line)
	if !ok {
		c.Logger.Debug("urc: unparseable +CMTI line", "raw", line)
		return
	}

	resp, err := c.Submitter.Submit(ctx, fmt.Sprintf("AT+CMGR=%d", index))
	if err != nil || !resp.OK() {
		c.Logger.Warn("urc: AT+CMGR failed for new SMS", "index", index, "err", err, "resp_err", resp.Err)
		return
	}

	pduHex := extractPDUHex(resp.Body)
	if pduHex == "" {
		c.Logger.Warn("urc: no PDU hex found in CMGR response", "index", index)
		return
	}

	msg, err := pdu.Decode(pduHex)
	if err != nil {
		c.Logger.Warn("urc: failed to decode SMS PDU", "err", err)
		c.Notifier.Notify(CategorySMS, "Unknown", "Raw PDU: "+pduHex)
	} else {
		c.processSMS(msg)
	}

	if _, err := c.Submitter.Submit(ctx, fmt.Sprintf("AT+CMGD=%d", index)); err != nil {
		c.Logger.Warn("urc: failed to delete SMS after reading", "index", index, "err", err)
	}
}

// extractPDUHex scans a +CMGR response bottom-up for the line that
// looks like the PDU: a run of hex digits long enough not to be
// mistaken for a short status field.
func extractPDUHex(body string) string {
	lines := strings.Split(body, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(lines[i])
		if len(candidate) > 10 && isHex(candidate) {
			return candidate
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

func (c Config) processSMS(msg pdu.Message) {
	if msg.Concat == nil {
		c.Notifier.Notify(CategorySMS, msg.Sender, msg.Content)
		c.Bus.Publish(broadcast.Event{
			Type: broadcast.KindNewSMS,
			Data: map[string]interface{}{
				"sender": msg.Sender, "content": msg.Content,
				"time": msg.Time, "isComplete": true,
			},
		})
		return
	}

	content, complete := c.Partial.Add(msg)
	if !complete {
		c.Logger.Info("urc: received partial SMS segment",
			"sender", msg.Sender, "part", msg.Concat.PartNumber, "of", msg.Concat.PartsCount)
		return
	}
	c.Notifier.Notify(CategorySMS, msg.Sender, content)
	c.Bus.Publish(broadcast.Event{
		Type: broadcast.KindNewSMS,
		Data: map[string]interface{}{
			"sender": msg.Sender, "content": content,
			"time": msg.Time, "isComplete": true,
		},
	})
}

func (c Config) handlePDCP(_ context.Context, line string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return
	}
	fields := strings.Split(line[idx+1:], ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 14 {
		return
	}
	data := map[string]interface{}{
		"id":                    atoiOr0(fields[0]),
		"pduSessionId":          atoiOr0(fields[1]),
		"discardTimerLen":       atoiOr0(fields[2]),
		"avgDelay":              atofOr0(fields[3]) / 10.0,
		"minDelay":              atofOr0(fields[4]) / 10.0,
		"maxDelay":              atofOr0(fields[5]) / 10.0,
		"highPriQueMaxBuffTime": atofOr0(fields[6]) / 10.0,
		"lowPriQueMaxBuffTime":  atofOr0(fields[7]) / 10.0,
		"highPriQueBuffPktNums": atoiOr0(fields[8]),
		"lowPriQueBuffPktNums":  atoiOr0(fields[9]),
		"ulPdcpRate":            atoiOr0(fields[10]),
		"dlPdcpRate":            atoiOr0(fields[11]),
		"ulDiscardCnt":          atoiOr0(fields[12]),
		"dlDiscardCnt":          atoiOr0(fields[13]),
	}
	c.Bus.Publish(broadcast.Event{Type: broadcast.KindPDCPData, Data: data})
}

func (c Config) handleSignal(ctx context.Context, _ string) {
	resp, err := c.Submitter.Submit(ctx, "AT^MONSC")
	if err != nil || !resp.OK() {
		return
	}
	data := resp.Body

	var rat string
	var arfcn, pci string
	var rsrp int

	if m := reMONSCNR.FindStringSubmatch(data); m != nil {
		rat, arfcn, pci = "NR", m[2], m[3]
		rsrp, _ = strconv.Atoi(m[5])
		rsrq, _ := strconv.Atoi(m[6])
		sinr, _ := strconv.Atoi(m[7])
		c.reportSignal(rat, arfcn, pci, rsrp, rsrq, sinr, "SINR")
	} else if m := reMONSCLTE.FindStringSubmatch(data); m != nil {
		rat, arfcn, pci = "LTE", m[2], m[3]
		rsrp, _ = strconv.Atoi(m[5])
		rsrq, _ := strconv.Atoi(m[6])
		rssi, _ := strconv.Atoi(m[7])
		c.reportSignal(rat, arfcn, pci, rsrp, rsrq, rssi, "RSSI")
	}
}

func (c Config) reportSignal(rat, arfcn, pci string, rsrp, rsrq, third int, thirdLabel string) {
	if rsrp >= -110 && rsrp <= -60 {
		return
	}
	message := fmt.Sprintf("%s Signal Info\nRAT: %s\nARFCN: %s\nPCI: %s\nRSRP: %d dBm\nRSRQ: %d dB\n%s: %d",
		signalEmoji(rat), rat, arfcn, pci, rsrp, rsrq, thirdLabel, third)
	c.Notifier.Notify(CategorySignal, "Signal Monitor", message)
}

func signalEmoji(rat string) string {
	if rat == "NR" {
		return "5G"
	}
	return "4G"
}

func atoiOr0(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atofOr0(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
