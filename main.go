// Command at-gatewayd bridges a cellular modem's AT-command interface
// to the rest of the router: a single multiplexer owns the transport,
// unsolicited result codes feed notifications and a broadcast bus,
// a schedule controller locks the modem to day/night frequency
// profiles, a connectivity supervisor keeps the WAN interface bound
// to whatever address the modem hands out, and a WebSocket gateway
// exposes the whole thing to the operator UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"i4.energy/across/at-gateway/internal/at"
	"i4.energy/across/at-gateway/internal/broadcast"
	"i4.energy/across/at-gateway/internal/dial"
	"i4.energy/across/at-gateway/internal/metrics"
	"i4.energy/across/at-gateway/internal/mux"
	"i4.energy/across/at-gateway/internal/notify"
	"i4.energy/across/at-gateway/internal/schedule"
	"i4.energy/across/at-gateway/internal/transport"
	"i4.energy/across/at-gateway/internal/urc"
	"i4.energy/across/at-gateway/internal/wsgateway"
)

func main() {
	fSet := flag.NewFlagSet("at-gatewayd", flag.ExitOnError)
	fSet.String("bind-address", "", "address the WebSocket gateway and /metrics endpoint listen on")
	fSet.String("connection-type", "", `"serial" or "network"`)
	fSet.String("serial-port", "", "modem serial port")
	fSet.Int("baud-rate", 0, "modem serial baud rate")
	fSet.String("log-level", "", "debug, info, warn, or error")
	fSet.String("websocket-auth-key", "", "shared secret the WebSocket gateway requires from clients")
	fSet.Parse(os.Args[1:])

	cfg, err := LoadConfig(WithDefaults(), WithUCI(), WithEnv(), WithFlags(fSet))
	if err != nil {
		fmt.Fprintf(os.Stderr, "at-gatewayd: config: %v\n", err)
		os.Exit(1)
	}

	baseHandler := newLogHandler(cfg.LogLevel, cfg.LogFile)
	bus := broadcast.New(slog.New(baseHandler))
	logger := slog.New(broadcastLogHandler{Handler: baseHandler, bus: bus})
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialer, err := buildDialer(cfg)
	if err != nil {
		logger.Error("at-gatewayd: failed to configure transport", "err", err)
		os.Exit(1)
	}

	var dispatcher *urc.Dispatcher
	onURC := func(line string) {
		if dispatcher != nil {
			dispatcher.Feed(line)
		}
	}
	m := mux.New(dialer, onURC, mux.WithURCRules(at.DefaultURCRules), mux.WithLogger(logger), mux.WithBroadcastBus(bus))

	channels := []notify.Channel{notify.NewLogChannel(logger)}
	if cfg.MQTTBroker != "" {
		mqttCtx, mqttCancel := context.WithTimeout(ctx, 10*time.Second)
		mqttChan, err := notify.NewMQTTChannel(mqttCtx, notify.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: "at-gatewayd",
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, logger)
		mqttCancel()
		if err != nil {
			logger.Warn("at-gatewayd: mqtt channel unavailable", "err", err)
		} else if mqttChan != nil {
			channels = append(channels, mqttChan)
			defer mqttChan.Close()
		}
	}
	notifier := notify.NewManager(logger, channels...)
	notifier.SetEnabled(notify.CategorySMS, cfg.NotifySMS)
	notifier.SetEnabled(notify.CategoryCall, cfg.NotifyCall)
	notifier.SetEnabled(notify.CategoryMemoryFull, cfg.NotifyMemoryFull)
	notifier.SetEnabled(notify.CategorySignal, cfg.NotifySignal)

	dispatcher = urc.NewDispatcher(urc.BuildHandlers(urc.Config{
		Submitter: m,
		Bus:       bus,
		Notifier:  notifier,
		Logger:    logger,
		Partial:   urc.NewPartialCache(),
	}), logger)

	metricsReg := metrics.New("atgw", nil)

	dialMon := dial.NewMonitor(m, dial.ShellApplier{Logger: logger}, dial.Config{
		PDPType:    dial.NormalizePDPType(cfg.PDPType),
		Interface:  "auto",
		DNSServers: cfg.DNSServers,
	}, logger)

	schedMon := schedule.NewMonitor(m, schedule.Config{
		Enabled:        cfg.ScheduleEnabled,
		CheckInterval:  time.Duration(cfg.ScheduleCheckInterval) * time.Second,
		ServiceTimeout: time.Duration(cfg.ScheduleTimeout) * time.Second,
		ToggleAirplane: cfg.ScheduleToggleAir,
		UnlockLTE:      cfg.ScheduleUnlockLTE,
		UnlockNR:       cfg.ScheduleUnlockNR,
		NightEnabled:   cfg.NightEnabled,
		NightStart:     cfg.NightStart,
		NightEnd:       cfg.NightEnd,
		Night: schedule.Profile{
			LTEType:   schedule.LockType(cfg.NightLTEType),
			LTEBands:  cfg.NightLTEBands,
			LTEARFCNs: cfg.NightLTEARFCN,
			LTEPCIs:   cfg.NightLTEPCIs,
			NRType:    schedule.LockType(cfg.NightNRType),
			NRBands:   cfg.NightNRBands,
			NRARFCNs:  cfg.NightNRARFCN,
			NRSCS:     cfg.NightNRSCS,
			NRPCIs:    cfg.NightNRPCIs,
		},
		DayEnabled: cfg.DayEnabled,
		Day: schedule.Profile{
			LTEType:   schedule.LockType(cfg.DayLTEType),
			LTEBands:  cfg.DayLTEBands,
			LTEARFCNs: cfg.DayLTEARFCN,
			LTEPCIs:   cfg.DayLTEPCIs,
			NRType:    schedule.LockType(cfg.DayNRType),
			NRBands:   cfg.DayNRBands,
			NRARFCNs:  cfg.DayNRARFCN,
			NRSCS:     cfg.DayNRSCS,
			NRPCIs:    cfg.DayNRPCIs,
		},
	}, logger)

	gateway := wsgateway.NewGateway(m, bus, cfg.WebSocketAuthKey, cfg.LogFile, logger)

	go m.Run(ctx)
	go dispatcher.Run(ctx)
	go dialMon.Run(ctx)
	go schedMon.Run(ctx)
	go pollMuxState(ctx, m, metricsReg)

	mxHTTP := http.NewServeMux()
	mxHTTP.Handle("/", gateway)
	mxHTTP.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: cfg.BindAddress, Handler: mxHTTP}
	go func() {
		logger.Info("at-gatewayd: listening", "addr", cfg.BindAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("at-gatewayd: http server failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("at-gatewayd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	m.Close()
}

var allMuxStates = []string{
	mux.StateDisconnected.String(),
	mux.StateConnecting.String(),
	mux.StateIdle.String(),
	mux.StateInTransaction.String(),
}

// pollMuxState samples the multiplexer's connection state and
// publishes it to the mux_state gauge, since Mux itself has no
// observer hook to push state transitions as they happen.
func pollMuxState(ctx context.Context, m *mux.Mux, metricsReg *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metricsReg.SetMuxState(m.State().String(), allMuxStates)
		}
	}
}

func buildDialer(cfg *Config) (transport.Dialer, error) {
	switch strings.ToLower(cfg.ConnectionType) {
	case "serial", "":
		return transport.SerialDialer{PortName: cfg.SerialPort}, nil
	case "network", "tcp":
		return transport.TCPDialer{Address: fmt.Sprintf("%s:%d", cfg.NetworkHost, cfg.NetworkPort)}, nil
	default:
		return nil, fmt.Errorf("unknown connection type %q", cfg.ConnectionType)
	}
}

func newLogHandler(level, logFile string) slog.Handler {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var out *os.File = os.Stderr
	if logFile != "" {
		if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			out = f
		}
	}
	return slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
}

// broadcastLogHandler wraps a base slog.Handler, publishing every
// record to the broadcast bus tagged system_log before passing it
// through — the same role the original gateway's custom log
// appender played in forwarding every logged line to its broadcast
// channel for WebSocket clients and GET_SYS_LOGS tailing.
type broadcastLogHandler struct {
	slog.Handler
	bus *broadcast.Bus
}

func (h broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var line strings.Builder
	line.WriteString(r.Time.Format(time.RFC3339))
	line.WriteString(" [" + r.Level.String() + "] ")
	line.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&line, " %s=%v", a.Key, a.Value)
		return true
	})
	h.bus.Publish(broadcast.Event{Type: broadcast.KindSystemLog, Data: line.String()})
	return h.Handler.Handle(ctx, r)
}

func (h broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return broadcastLogHandler{Handler: h.Handler.WithAttrs(attrs), bus: h.bus}
}

func (h broadcastLogHandler) WithGroup(name string) slog.Handler {
	return broadcastLogHandler{Handler: h.Handler.WithGroup(name), bus: h.bus}
}
