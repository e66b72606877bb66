package dial

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ShellApplier applies the detected modem interface to an OpenWrt-style
// host by batching UCI commands and reloading the firewall, the same
// sequence the standalone network-setup script ran: delete any stale
// wan_modem(6) sections, recreate them for the requested PDP type,
// bind them into the wan firewall zone, then bring the interfaces up.
type ShellApplier struct {
	Logger *slog.Logger
}

// Apply configures network.wan_modem (and network.wan_modem6 for
// dual-stack/IPv6-only configs) to use ifname, then brings the
// interfaces up and reloads the firewall.
func (a ShellApplier) Apply(ctx context.Context, ifname string, pdpType PDPType, dnsServers []string) error {
	logger := a.logger()
	logger.Info("dial: configuring modem network", "ifname", ifname, "pdp_type", pdpType)

	var uci strings.Builder
	uci.WriteString("delete network.wan_modem\n")
	uci.WriteString("delete network.wan_modem6\n")

	if pdpType == PDPTypeIPv4 || pdpType == PDPTypeIPv4v6 {
		uci.WriteString("set network.wan_modem=interface\n")
		uci.WriteString("set network.wan_modem.proto='dhcp'\n")
		fmt.Fprintf(&uci, "set network.wan_modem.ifname='%s'\n", ifname)
		uci.WriteString("set network.wan_modem.metric='10'\n")
		if len(dnsServers) > 0 {
			uci.WriteString("set network.wan_modem.peerdns='0'\n")
			for _, dns := range dnsServers {
				fmt.Fprintf(&uci, "add_list network.wan_modem.dns='%s'\n", dns)
			}
		} else {
			uci.WriteString("set network.wan_modem.peerdns='1'\n")
		}
	}

	if pdpType == PDPTypeIPv6 || pdpType == PDPTypeIPv4v6 {
		uci.WriteString("set network.wan_modem6=interface\n")
		uci.WriteString("set network.wan_modem6.proto='dhcpv6'\n")
		uci.WriteString("set network.wan_modem6.ifname='@wan_modem'\n")
		uci.WriteString("set network.wan_modem6.metric='10'\n")
		uci.WriteString("set network.wan_modem6.reqaddress='force'\n")
		uci.WriteString("set network.wan_modem6.reqprefix='auto'\n")
		uci.WriteString("set network.wan_modem6.extendprefix='1'\n")
		uci.WriteString("set network.wan_modem6.defaultroute='1'\n")
		uci.WriteString("set network.wan_modem6.peerdns='1'\n")
	}
	uci.WriteString("commit network\n")

	script := fmt.Sprintf("uci batch <<EOF\n%sEOF", uci.String())
	if err := runCommand(ctx, logger, "sh", "-c", script); err != nil {
		logger.Error("dial: failed to batch-apply UCI configuration", "err", err)
	}

	fwScript := `
WAN_ZONE=$(uci show firewall | grep "\.name='wan'" | cut -d'.' -f2 | head -n 1)
if [ -n "$WAN_ZONE" ]; then
    uci del_list firewall.$WAN_ZONE.network='wan_modem' 2>/dev/null
    uci del_list firewall.$WAN_ZONE.network='wan_modem6' 2>/dev/null
    uci add_list firewall.$WAN_ZONE.network='wan_modem'
    uci add_list firewall.$WAN_ZONE.network='wan_modem6'
    uci commit firewall
fi
exit 0
`
	runCommand(ctx, logger, "sh", "-c", fwScript)

	runCommand(ctx, logger, "ifup", "wan_modem")
	if pdpType == PDPTypeIPv6 || pdpType == PDPTypeIPv4v6 {
		runCommand(ctx, logger, "ifup", "wan_modem6")
	}

	if err := runCommand(ctx, logger, "fw4", "reload"); err != nil {
		runCommand(ctx, logger, "/etc/init.d/firewall", "reload")
	}

	logger.Info("dial: network configuration completed")
	return nil
}

// Teardown reverses Apply: it brings the modem interfaces down and
// removes their UCI sections and firewall bindings.
func (a ShellApplier) Teardown(ctx context.Context) error {
	logger := a.logger()
	logger.Info("dial: tearing down modem network")

	runCommand(ctx, logger, "ifdown", "wan_modem")
	runCommand(ctx, logger, "ifdown", "wan_modem6")

	script := `
uci -q delete network.wan_modem
uci -q delete network.wan_modem6
uci commit network
WAN_ZONE=$(uci show firewall | grep "\.name='wan'" | cut -d'.' -f2 | head -n 1)
if [ -n "$WAN_ZONE" ]; then
    uci del_list firewall.$WAN_ZONE.network='wan_modem' 2>/dev/null
    uci del_list firewall.$WAN_ZONE.network='wan_modem6' 2>/dev/null
    uci commit firewall
    fw4 reload 2>/dev/null || /etc/init.d/firewall reload 2>/dev/null
fi
exit 0
`
	runCommand(ctx, logger, "sh", "-c", script)
	logger.Info("dial: network interfaces and firewall rules cleared")
	return nil
}

func (a ShellApplier) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func runCommand(ctx context.Context, logger *slog.Logger, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		logger.Error("dial: command failed", "cmd", name, "args", args, "stderr", stderr.String(), "err", err)
		return err
	}
	return nil
}
