// Package dial brings up the modem's data session: it polls
// AT+CGPADDR for an assigned address, issues the PDP activation
// sequence when none is found, and applies the resulting interface to
// the host's network configuration through a pluggable NetworkApplier.
package dial

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"i4.energy/across/at-gateway/internal/mux"
)

// PDPType is the requested packet-data-protocol family, matching the
// AT+CGDCONT IP_TYPE parameter.
type PDPType string

const (
	PDPTypeIPv4   PDPType = "IP"
	PDPTypeIPv6   PDPType = "IPV6"
	PDPTypeIPv4v6 PDPType = "IPV4V6"
)

// NormalizePDPType maps a loosely-cased config value to a valid
// AT+CGDCONT IP_TYPE token, defaulting to IPv4-only for anything it
// does not recognize.
func NormalizePDPType(s string) PDPType {
	upper := strings.ToUpper(s)
	switch {
	case strings.Contains(upper, "IPV4V6"):
		return PDPTypeIPv4v6
	case strings.Contains(upper, "IPV6"):
		return PDPTypeIPv6
	default:
		return PDPTypeIPv4
	}
}

// Config configures a Monitor's dialing and interface-selection
// behavior.
type Config struct {
	PDPType      PDPType
	Interface    string // "auto" or explicit, e.g. "usb0"
	DNSServers   []string
	PollInterval time.Duration
}

// NetworkApplier binds a freshly-detected modem interface into the
// host's network stack. ShellApplier is the production
// implementation; tests use a recording fake.
type NetworkApplier interface {
	Apply(ctx context.Context, ifname string, pdpType PDPType, dnsServers []string) error
	Teardown(ctx context.Context) error
}

// Monitor polls the modem for an assigned IP address and drives
// dialing and network application when one is missing.
type Monitor struct {
	submitter mux.Submitter
	applier   NetworkApplier
	cfg       Config
	logger    *slog.Logger

	connected bool
}

// NewMonitor returns a Monitor ready to Run.
func NewMonitor(submitter mux.Submitter, applier NetworkApplier, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{submitter: submitter, applier: applier, cfg: cfg, logger: logger}
}

// Run polls until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	hasIP, err := m.checkIPStatus(ctx)
	if err != nil {
		m.logger.Warn("dial: failed to check IP status, will retry", "err", err)
		return
	}

	if hasIP {
		if !m.connected {
			m.logger.Info("dial: IP address detected, marking connected")
			m.connected = true
			m.onConnected(ctx)
		}
		return
	}

	if m.connected {
		m.logger.Warn("dial: lost IP address, marking disconnected")
		m.connected = false
	}
	m.logger.Info("dial: no IP address detected, attempting to dial")
	if err := m.performDial(ctx); err != nil {
		m.logger.Warn("dial: dial attempt failed", "err", err)
	}
}

func (m *Monitor) onConnected(ctx context.Context) {
	for _, cmd := range []string{"AT+CNMI=2,1,0,2,0", "AT+CMGF=0", "AT+CLIP=1"} {
		if _, err := m.submitter.Submit(ctx, cmd); err != nil {
			m.logger.Warn("dial: post-connect setup command failed", "cmd", cmd, "err", err)
		}
	}

	ifname := m.detectInterface()
	m.logger.Info("dial: using modem interface", "ifname", ifname)
	if err := m.applier.Apply(ctx, ifname, m.cfg.PDPType, m.cfg.DNSServers); err != nil {
		m.logger.Error("dial: failed to apply network configuration", "err", err)
	}
}

// checkIPStatus issues AT+CGPADDR and reports whether any PDP context
// carries a non-null IPv4 or IPv6 address.
func (m *Monitor) checkIPStatus(ctx context.Context) (bool, error) {
	resp, err := m.submitter.Submit(ctx, "AT+CGPADDR")
	if err != nil {
		return false, err
	}
	if !resp.OK() {
		return false, nil
	}
	return ParseCGPADDR(resp.Body), nil
}

// ParseCGPADDR reports whether any +CGPADDR: line in body carries an
// assigned, non-null address.
func ParseCGPADDR(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "+CGPADDR:") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		segments := strings.Split(line[idx+1:], ",")
		for _, seg := range segments[1:] {
			clean := strings.Trim(strings.TrimSpace(seg), `"`)
			if clean == "" || clean == "0.0.0.0" || clean == "::" {
				continue
			}
			if strings.Contains(clean, ".") && len(clean) <= 15 {
				return true
			}
			if strings.Contains(clean, ":") && len(clean) <= 39 {
				return true
			}
		}
	}
	return false
}

// performDial issues the PDP activation sequence. Commands are
// best-effort: a single AT+CGACT failure does not abort the sequence,
// matching firmware that only accepts one of the two context indices.
func (m *Monitor) performDial(ctx context.Context) error {
	apnCmd := fmt.Sprintf(`AT+CGDCONT=1,"%s","auto"`, m.cfg.PDPType)
	m.submitter.Submit(ctx, apnCmd)
	m.submitter.Submit(ctx, "AT+QNETDEVCTL=1,1,1")
	m.submitter.Submit(ctx, "AT+CGACT=1,1")
	m.submitter.Submit(ctx, "AT+CGACT=1,0")
	return nil
}

// modemUSBVendorIDs lists USB vendor IDs of known 5G/4G modem
// chipsets, used to pick a data interface without relying on naming
// conventions that vary across vendors.
var modemUSBVendorIDs = map[string]bool{
	"3466": true, // Huawei MT5700
	"2c7c": true, // Quectel
	"2cb7": true, // Fibocom
	"12d1": true, // Huawei
	"19d2": true, // ZTE
	"05c6": true, // Qualcomm generic
}

// detectInterface resolves the configured interface name, probing
// /sys/class/net for a USB modem by vendor ID when Interface is empty
// or "auto".
func (m *Monitor) detectInterface() string {
	if m.cfg.Interface != "" && m.cfg.Interface != "auto" {
		return m.cfg.Interface
	}
	if iface := detectModemInterface("/sys/class/net"); iface != "" {
		return iface
	}
	return "usb0"
}

func detectModemInterface(netDir string) string {
	entries, err := os.ReadDir(netDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		iface := entry.Name()
		if iface == "lo" || strings.HasPrefix(iface, "br-") || strings.HasPrefix(iface, "wl") || strings.HasPrefix(iface, "ra") {
			continue
		}
		vid := readVendorID(netDir, iface)
		if vid != "" && modemUSBVendorIDs[vid] {
			return iface
		}
	}
	return ""
}

func readVendorID(netDir, iface string) string {
	for _, rel := range []string{"device/idVendor", "device/../idVendor"} {
		path := netDir + "/" + iface + "/" + rel
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		vid := strings.ToLower(strings.TrimSpace(string(data)))
		if vid != "" {
			return vid
		}
	}
	return ""
}
