// Package schedule switches the modem between day and night frequency
// lock profiles on a clock, and recovers automatically if the network
// loses service for too long.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/at-gateway/internal/mux"
)

// LockType selects which AT^LTEFREQLOCK/AT^NRFREQLOCK variant a Profile
// issues.
type LockType uint8

const (
	LockTypeNone      LockType = 0
	LockTypeFrequency LockType = 1
	LockTypeCell      LockType = 2
	LockTypeBand      LockType = 3
)

// Profile describes one mode's (day or night) frequency lock
// configuration. Band, ARFCN, PCI and SCS fields are comma-separated
// lists; their required lengths depend on Type, and a mismatch
// degrades to an unlock rather than sending a malformed command.
type Profile struct {
	LTEType   LockType
	LTEBands  string
	LTEARFCNs string
	LTEPCIs   string

	NRType   LockType
	NRBands  string
	NRARFCNs string
	NRSCS    string
	NRPCIs   string
}

// Config configures the Monitor's clock and recovery behavior.
type Config struct {
	Enabled        bool
	CheckInterval  time.Duration
	ServiceTimeout time.Duration
	ToggleAirplane bool
	UnlockLTE      bool
	UnlockNR       bool

	NightEnabled bool
	NightStart   string // "HH:MM"
	NightEnd     string // "HH:MM"
	Night        Profile

	DayEnabled bool
	Day        Profile
}

// Monitor drives the day/night frequency-lock state machine and the
// network-service watchdog.
type Monitor struct {
	submitter mux.Submitter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	currentMode string // "", "day", or "night"
	switches    int
}

// NewMonitor returns a Monitor ready to Run.
func NewMonitor(submitter mux.Submitter, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ServiceTimeout == 0 {
		cfg.ServiceTimeout = 5 * time.Minute
	}
	return &Monitor{submitter: submitter, cfg: cfg, logger: logger, now: time.Now}
}

// Run evaluates the schedule and network status on cfg.CheckInterval
// until ctx is canceled. It returns immediately if the schedule is
// disabled.
func (m *Monitor) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		m.logger.Info("schedule: frequency lock disabled")
		return
	}
	m.logger.Info("schedule: starting frequency lock monitor",
		"check_interval", m.cfg.CheckInterval, "service_timeout", m.cfg.ServiceTimeout)

	lastService := m.now()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		lastService = m.tick(ctx, lastService)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context, lastService time.Time) time.Time {
	target := m.currentModeForTime(m.now())
	if target != m.currentMode {
		if target != "" {
			m.logger.Info("schedule: mode switch detected", "from", m.currentMode, "to", target)
			m.switches++
			if err := m.applyProfile(ctx, target, m.switches); err != nil {
				m.logger.Error("schedule: failed to set frequency lock", "mode", target, "err", err)
			} else {
				m.currentMode = target
			}
		} else if m.currentMode != "" {
			m.logger.Info("schedule: no lock required for current time, unlocking all")
			if err := m.unlockAll(ctx); err != nil {
				m.logger.Error("schedule: failed to unlock all", "err", err)
			} else {
				m.currentMode = ""
			}
		}
	}

	hasService, err := m.checkNetworkStatus(ctx)
	if err != nil {
		m.logger.Error("schedule: failed to check network status", "err", err)
		return lastService
	}
	if hasService {
		return m.now()
	}
	if elapsed := m.now().Sub(lastService); elapsed >= m.cfg.ServiceTimeout {
		m.logger.Warn("schedule: network service lost, executing recovery", "elapsed", elapsed)
		if err := m.unlockAll(ctx); err != nil {
			m.logger.Error("schedule: recovery failed", "err", err)
		}
		return m.now()
	}
	return lastService
}

// currentModeForTime reports which mode ("day", "night", or "" for
// neither) should be active given the configured windows.
func (m *Monitor) currentModeForTime(t time.Time) string {
	start, startErr := parseClock(m.cfg.NightStart, 22, 0)
	end, endErr := parseClock(m.cfg.NightEnd, 6, 0)
	if startErr != nil {
		start = clockTime{22, 0}
	}
	if endErr != nil {
		end = clockTime{6, 0}
	}

	now := clockTime{t.Hour(), t.Minute()}
	var isNight bool
	if start.beforeOrEqual(end) {
		isNight = now.afterOrEqual(start) && now.before(end)
	} else {
		isNight = now.afterOrEqual(start) || now.before(end)
	}

	if isNight {
		if m.cfg.NightEnabled {
			return "night"
		}
		return ""
	}
	if m.cfg.DayEnabled {
		return "day"
	}
	return ""
}

type clockTime struct{ hour, minute int }

func (a clockTime) minutes() int { return a.hour*60 + a.minute }
func (a clockTime) beforeOrEqual(b clockTime) bool { return a.minutes() <= b.minutes() }
func (a clockTime) afterOrEqual(b clockTime) bool  { return a.minutes() >= b.minutes() }
func (a clockTime) before(b clockTime) bool        { return a.minutes() < b.minutes() }

func parseClock(s string, defHour, defMinute int) (clockTime, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return clockTime{defHour, defMinute}, fmt.Errorf("schedule: invalid clock value %q", s)
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return clockTime{defHour, defMinute}, fmt.Errorf("schedule: invalid clock value %q", s)
	}
	return clockTime{hour, minute}, nil
}

func (m *Monitor) checkNetworkStatus(ctx context.Context) (bool, error) {
	if ok, err := m.registrationOK(ctx, "AT+CREG?", "+CREG:"); err != nil || ok {
		return ok, err
	}
	return m.registrationOK(ctx, "AT+CEREG?", "+CEREG:")
}

func (m *Monitor) registrationOK(ctx context.Context, cmd, prefix string) (bool, error) {
	resp, err := m.submitter.Submit(ctx, cmd)
	if err != nil {
		return false, err
	}
	if !resp.OK() {
		return false, nil
	}
	return strings.Contains(resp.Body, prefix+" 0,1") || strings.Contains(resp.Body, prefix+" 0,5"), nil
}

func (m *Monitor) unlockAll(ctx context.Context) error {
	m.logger.Info("schedule: unlocking all frequencies")
	if m.cfg.ToggleAirplane {
		m.submit(ctx, "AT+CFUN=0")
		time.Sleep(2 * time.Second)
	}
	m.submit(ctx, "AT^LTEFREQLOCK=0")
	time.Sleep(time.Second)
	m.submit(ctx, "AT^NRFREQLOCK=0")
	time.Sleep(time.Second)
	if m.cfg.ToggleAirplane {
		m.submit(ctx, "AT+CFUN=1")
		time.Sleep(5 * time.Second)
	}
	return nil
}

func (m *Monitor) applyProfile(ctx context.Context, mode string, switchCount int) error {
	m.logger.Info("schedule: switching frequency lock profile", "mode", mode, "switch_count", switchCount)
	profile := m.cfg.Day
	if mode == "night" {
		profile = m.cfg.Night
	}

	if m.cfg.ToggleAirplane {
		m.submit(ctx, "AT+CFUN=0")
		time.Sleep(2 * time.Second)
	}

	if profile.LTEType != LockTypeNone && strings.TrimSpace(profile.LTEBands) != "" {
		cmd := BuildLTECommand(profile.LTEType, splitList(profile.LTEBands), profile.LTEARFCNs, profile.LTEPCIs, m.logger)
		m.submit(ctx, cmd)
		time.Sleep(time.Second)
	} else if m.cfg.UnlockLTE {
		m.submit(ctx, "AT^LTEFREQLOCK=0")
		time.Sleep(time.Second)
	}

	if profile.NRType != LockTypeNone && strings.TrimSpace(profile.NRBands) != "" {
		cmd := BuildNRCommand(profile.NRType, splitList(profile.NRBands), profile.NRARFCNs, profile.NRSCS, profile.NRPCIs, m.logger)
		m.submit(ctx, cmd)
		time.Sleep(time.Second)
	} else if m.cfg.UnlockNR {
		m.submit(ctx, "AT^NRFREQLOCK=0")
		time.Sleep(time.Second)
	}

	if m.cfg.ToggleAirplane {
		m.submit(ctx, "AT+CFUN=1")
		time.Sleep(5 * time.Second)
	}
	return nil
}

func (m *Monitor) submit(ctx context.Context, cmd string) {
	resp, err := m.submitter.Submit(ctx, cmd)
	if err != nil {
		m.logger.Warn("schedule: command failed", "cmd", cmd, "err", err)
		return
	}
	if !resp.OK() {
		m.logger.Warn("schedule: command returned an error", "cmd", cmd, "err", resp.Err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// BuildLTECommand constructs the AT^LTEFREQLOCK command for the given
// lock type. A count mismatch between bands/ARFCNs/PCIs degrades to
// an unlock rather than sending firmware a malformed argument list.
func BuildLTECommand(lockType LockType, bands []string, arfcns, pcis string, logger *slog.Logger) string {
	switch lockType {
	case LockTypeBand:
		return fmt.Sprintf(`AT^LTEFREQLOCK=3,0,%d,"%s"`, len(bands), strings.Join(bands, ","))
	case LockTypeFrequency:
		arfcnList := splitList(arfcns)
		if len(bands) != len(arfcnList) {
			logIfSet(logger, "schedule: LTE frequency lock count mismatch, unlocking", "bands", len(bands), "arfcns", len(arfcnList))
			return "AT^LTEFREQLOCK=0"
		}
		return fmt.Sprintf(`AT^LTEFREQLOCK=1,0,%d,"%s","%s"`, len(bands), strings.Join(bands, ","), strings.Join(arfcnList, ","))
	case LockTypeCell:
		arfcnList := splitList(arfcns)
		pciList := splitList(pcis)
		if len(bands) != len(arfcnList) || len(arfcnList) != len(pciList) {
			logIfSet(logger, "schedule: LTE cell lock count mismatch, unlocking", "bands", len(bands), "arfcns", len(arfcnList), "pcis", len(pciList))
			return "AT^LTEFREQLOCK=0"
		}
		return fmt.Sprintf(`AT^LTEFREQLOCK=2,0,%d,"%s","%s","%s"`, len(bands), strings.Join(bands, ","), strings.Join(arfcnList, ","), strings.Join(pciList, ","))
	default:
		return "AT^LTEFREQLOCK=0"
	}
}

// BuildNRCommand is BuildLTECommand's AT^NRFREQLOCK counterpart; its
// cell-lock variant additionally carries a subcarrier-spacing list.
func BuildNRCommand(lockType LockType, bands []string, arfcns, scs, pcis string, logger *slog.Logger) string {
	switch lockType {
	case LockTypeBand:
		return fmt.Sprintf(`AT^NRFREQLOCK=3,0,%d,"%s"`, len(bands), strings.Join(bands, ","))
	case LockTypeFrequency:
		arfcnList := splitList(arfcns)
		if len(bands) != len(arfcnList) {
			logIfSet(logger, "schedule: NR frequency lock count mismatch, unlocking", "bands", len(bands), "arfcns", len(arfcnList))
			return "AT^NRFREQLOCK=0"
		}
		return fmt.Sprintf(`AT^NRFREQLOCK=1,0,%d,"%s","%s"`, len(bands), strings.Join(bands, ","), strings.Join(arfcnList, ","))
	case LockTypeCell:
		arfcnList := splitList(arfcns)
		scsList := splitList(scs)
		pciList := splitList(pcis)
		if len(bands) != len(arfcnList) || len(arfcnList) != len(scsList) || len(scsList) != len(pciList) {
			logIfSet(logger, "schedule: NR cell lock count mismatch, unlocking", "bands", len(bands), "arfcns", len(arfcnList), "scs", len(scsList), "pcis", len(pciList))
			return "AT^NRFREQLOCK=0"
		}
		return fmt.Sprintf(`AT^NRFREQLOCK=2,0,%d,"%s","%s","%s","%s"`, len(bands), strings.Join(bands, ","), strings.Join(arfcnList, ","), strings.Join(scsList, ","), strings.Join(pciList, ","))
	default:
		return "AT^NRFREQLOCK=0"
	}
}

func logIfSet(logger *slog.Logger, msg string, args ...interface{}) {
	if logger != nil {
		logger.Warn(msg, args...)
	}
}
