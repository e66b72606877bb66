package main

import (
	"flag"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Config holds the full application configuration: the modem
// transport, notification fan-out, WebSocket gateway, schedule
// controller and advanced network options.
type Config struct {
	// BindAddress is the address the WebSocket gateway and /metrics
	// endpoint listen on (e.g. "0.0.0.0:8765").
	BindAddress string
	// ConnectionType selects how the modem is reached: "serial" or
	// "network".
	ConnectionType string
	// SerialPort is the path to the modem's serial port.
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modem.
	BaudRate int
	// NetworkHost/NetworkPort address a modem exposed over TCP.
	NetworkHost string
	NetworkPort int
	// LogLevel sets the logging level ("debug", "info", "warn", "error").
	LogLevel string
	// LogFile, if set, receives the structured logs in place of stderr;
	// the WebSocket gateway's GET_SYS_LOGS/CLEAR_SYS_LOGS commands
	// operate on it.
	LogFile string

	// WebSocketAuthKey, if set, requires clients to present it before
	// issuing commands.
	WebSocketAuthKey string

	// NotifySMS/Call/MemoryFull/Signal gate which URC categories
	// produce notifications.
	NotifySMS        bool
	NotifyCall       bool
	NotifyMemoryFull bool
	NotifySignal     bool
	// MQTTBroker, if set, enables the MQTT notification channel.
	MQTTBroker   string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string

	// ScheduleEnabled turns the day/night frequency-lock controller on.
	ScheduleEnabled       bool
	ScheduleCheckInterval int
	ScheduleTimeout       int
	ScheduleUnlockLTE     bool
	ScheduleUnlockNR      bool
	ScheduleToggleAir     bool

	NightEnabled  bool
	NightStart    string
	NightEnd      string
	NightLTEType  int
	NightLTEBands string
	NightLTEARFCN string
	NightLTEPCIs  string
	NightNRType   int
	NightNRBands  string
	NightNRARFCN  string
	NightNRSCS    string
	NightNRPCIs   string

	DayEnabled  bool
	DayLTEType  int
	DayLTEBands string
	DayLTEARFCN string
	DayLTEPCIs  string
	DayNRType   int
	DayNRBands  string
	DayNRARFCN  string
	DayNRSCS    string
	DayNRPCIs   string

	// PDPType and DNSServers configure the connectivity supervisor's
	// network Apply step. ExtendPrefix is loaded but not passed on: the
	// shell applier always sets extendprefix on wan_modem6.
	PDPType      string
	DNSServers   []string
	ExtendPrefix bool
}

// ConfigOption is a function that modifies a Config.
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order.
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values.
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8765"
		c.ConnectionType = "network"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.NetworkHost = "192.168.8.1"
		c.NetworkPort = 20249
		c.LogLevel = "info"

		c.NotifySMS = true
		c.NotifyCall = true
		c.NotifyMemoryFull = true
		c.NotifySignal = true
		c.MQTTTopic = "at-gatewayd/notifications"

		c.ScheduleCheckInterval = 60
		c.ScheduleTimeout = 180
		c.ScheduleUnlockLTE = true
		c.ScheduleUnlockNR = true
		c.ScheduleToggleAir = true

		c.NightEnabled = true
		c.NightStart = "22:00"
		c.NightEnd = "06:00"
		c.NightLTEType = 3
		c.NightNRType = 3

		c.DayEnabled = true
		c.DayLTEType = 3
		c.DayNRType = 3

		c.PDPType = "ipv4v6"
		c.DNSServers = []string{"223.5.5.5", "119.29.29.29"}
		c.ExtendPrefix = true
		return nil
	}
}

// WithUCI loads configuration from the UCI "at-gatewayd" config
// section, the way the modem's OpenWrt web UI writes it, falling
// back silently to whatever the Config already holds if the uci
// binary is unavailable (e.g. during local development off-router).
func WithUCI() ConfigOption {
	return func(c *Config) error {
		out, err := exec.Command("uci", "show", "at-gatewayd").Output()
		if err != nil {
			return nil
		}

		values := make(map[string]string)
		for _, line := range strings.Split(string(out), "\n") {
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimPrefix(key, "at-gatewayd.config.")
			values[key] = strings.Trim(strings.TrimSpace(value), `'"`)
		}

		str := func(key string, dst *string) {
			if v, ok := values[key]; ok && v != "" {
				*dst = v
			}
		}
		intv := func(key string, dst *int) {
			if v, ok := values[key]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					*dst = n
				}
			}
		}
		boolv := func(key string, dst *bool) {
			if v, ok := values[key]; ok {
				switch v {
				case "1", "true", "on":
					*dst = true
				case "0", "false", "off":
					*dst = false
				}
			}
		}

		str("connection_type", &c.ConnectionType)
		str("serial_port", &c.SerialPort)
		intv("serial_baudrate", &c.BaudRate)
		str("network_host", &c.NetworkHost)
		intv("network_port", &c.NetworkPort)
		str("log_file", &c.LogFile)

		str("websocket_auth_key", &c.WebSocketAuthKey)
		if v, ok := values["websocket_port"]; ok {
			c.BindAddress = "0.0.0.0:" + v
		}

		boolv("notify_sms", &c.NotifySMS)
		boolv("notify_call", &c.NotifyCall)
		boolv("notify_memory_full", &c.NotifyMemoryFull)
		boolv("notify_signal", &c.NotifySignal)
		str("mqtt_broker", &c.MQTTBroker)
		str("mqtt_topic", &c.MQTTTopic)
		str("mqtt_username", &c.MQTTUsername)
		str("mqtt_password", &c.MQTTPassword)

		boolv("schedule_enabled", &c.ScheduleEnabled)
		intv("schedule_check_interval", &c.ScheduleCheckInterval)
		intv("schedule_timeout", &c.ScheduleTimeout)
		boolv("schedule_unlock_lte", &c.ScheduleUnlockLTE)
		boolv("schedule_unlock_nr", &c.ScheduleUnlockNR)
		boolv("schedule_toggle_airplane", &c.ScheduleToggleAir)

		boolv("schedule_night_enabled", &c.NightEnabled)
		str("schedule_night_start", &c.NightStart)
		str("schedule_night_end", &c.NightEnd)
		intv("schedule_night_lte_type", &c.NightLTEType)
		str("schedule_night_lte_bands", &c.NightLTEBands)
		str("schedule_night_lte_arfcns", &c.NightLTEARFCN)
		str("schedule_night_lte_pcis", &c.NightLTEPCIs)
		intv("schedule_night_nr_type", &c.NightNRType)
		str("schedule_night_nr_bands", &c.NightNRBands)
		str("schedule_night_nr_arfcns", &c.NightNRARFCN)
		str("schedule_night_nr_scs_types", &c.NightNRSCS)
		str("schedule_night_nr_pcis", &c.NightNRPCIs)

		boolv("schedule_day_enabled", &c.DayEnabled)
		intv("schedule_day_lte_type", &c.DayLTEType)
		str("schedule_day_lte_bands", &c.DayLTEBands)
		str("schedule_day_lte_arfcns", &c.DayLTEARFCN)
		str("schedule_day_lte_pcis", &c.DayLTEPCIs)
		intv("schedule_day_nr_type", &c.DayNRType)
		str("schedule_day_nr_bands", &c.DayNRBands)
		str("schedule_day_nr_arfcns", &c.DayNRARFCN)
		str("schedule_day_nr_scs_types", &c.DayNRSCS)
		str("schedule_day_nr_pcis", &c.DayNRPCIs)

		str("pdp_type", &c.PDPType)
		boolv("extend_prefix", &c.ExtendPrefix)
		if v, ok := values["dns_list"]; ok && v != "" {
			c.DNSServers = strings.Fields(v)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables, intended
// for local debugging off-router where uci is unavailable.
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if v := os.Getenv("BIND_ADDRESS"); v != "" {
			c.BindAddress = v
		}
		if v := os.Getenv("CONNECTION_TYPE"); v != "" {
			c.ConnectionType = v
		}
		if v := os.Getenv("SERIAL_PORT"); v != "" {
			c.SerialPort = v
		}
		if v := os.Getenv("BAUD_RATE"); v != "" {
			if b, err := strconv.Atoi(v); err == nil {
				c.BaudRate = b
			}
		}
		if v := os.Getenv("NETWORK_HOST"); v != "" {
			c.NetworkHost = v
		}
		if v := os.Getenv("NETWORK_PORT"); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				c.NetworkPort = p
			}
		}
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			c.LogLevel = v
		}
		if v := os.Getenv("LOG_FILE"); v != "" {
			c.LogFile = v
		}
		if v := os.Getenv("WEBSOCKET_AUTH_KEY"); v != "" {
			c.WebSocketAuthKey = v
		}
		if v := os.Getenv("MQTT_BROKER"); v != "" {
			c.MQTTBroker = v
		}
		return nil
	}
}

// WithFlags loads configuration from command-line flags.
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "connection-type":
				c.ConnectionType = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "websocket-auth-key":
				c.WebSocketAuthKey = f.Value.String()
			}
		})
		return nil
	}
}
