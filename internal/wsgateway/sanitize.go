package wsgateway

import "strings"

// sanitizeSysCfgEx cleans a client-submitted AT^SYSCFGEX command: the
// operator UI this protocol serves sometimes forwards a command
// string that still carries embedded CR/LF and a stray "OK" (leftover
// from being round-tripped through a display buffer), and a band
// field with a duplicated empty quoted pair from copy/paste. Neither
// survives as-is against the modem.
func sanitizeSysCfgEx(cmd string) string {
	if !strings.Contains(cmd, "AT^SYSCFGEX") {
		return cmd
	}
	cmd = strings.ReplaceAll(cmd, "\r", "")
	cmd = strings.ReplaceAll(cmd, "\n", "")
	cmd = strings.ReplaceAll(cmd, "OK", "")
	if strings.HasSuffix(cmd, `,"",""`) {
		cmd = strings.TrimSuffix(cmd, `,"",""`) + `,""`
	}
	return cmd
}

// stripEchoAndBlankLines removes a command's own echoed line (if the
// modem echoed it back) and blank lines from a raw multi-line
// response, leaving only the substantive reply lines, joined with
// newlines.
func stripEchoAndBlankLines(cmd, body string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == strings.TrimSpace(cmd) {
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
