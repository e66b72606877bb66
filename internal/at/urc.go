package at

import "strings"

// URCRule is a single named predicate in the URC classifier table.
// Rules are evaluated in order; IsURC short-circuits on the first
// match.
type URCRule struct {
	Name  string
	Match func(line string) bool
}

// DefaultURCRules is the ordered classifier table covering the URC
// families the modem command surface documents (spec 4.3, 6): call
// signalling, SMS memory-full, new-SMS notice, PDCP metrics and signal
// quality reports.
var DefaultURCRules = []URCRule{
	{Name: "ring", Match: func(l string) bool { return l == "RING" }},
	{Name: "clip", Match: func(l string) bool { return strings.HasPrefix(l, "+CLIP:") }},
	{Name: "memory-full-ciev", Match: func(l string) bool { return strings.Contains(l, `+CIEV: "MESSAGE",0`) }},
	{Name: "memory-full-cms", Match: func(l string) bool { return strings.Contains(l, "+CMS ERROR: 322") }},
	{Name: "new-sms", Match: func(l string) bool { return strings.HasPrefix(l, "+CMTI:") }},
	{Name: "pdcp", Match: func(l string) bool { return strings.HasPrefix(l, "^PDCPDATAINFO:") }},
	{Name: "signal-cerssi", Match: func(l string) bool { return strings.HasPrefix(l, "^CERSSI:") }},
	{Name: "signal-hcsq", Match: func(l string) bool { return strings.HasPrefix(l, "^HCSQ:") }},
}

// IsURC reports whether line matches any rule in table.
func IsURC(table []URCRule, line string) bool {
	for _, rule := range table {
		if rule.Match(line) {
			return true
		}
	}
	return false
}

// ExpectedPrefix derives the expected response-line prefix for a
// command of the form "AT<X>[?|=...]" — the token between "AT" and the
// first '?' or '=', or empty if the command isn't of that shape.
// The multiplexer uses this to tell a self-initiated response line
// apart from a coincident URC sharing the same leading text (spec
// 4.5 step 3).
func ExpectedPrefix(cmd string) string {
	trimmed := strings.TrimSpace(cmd)
	if !strings.HasPrefix(trimmed, "AT") {
		return ""
	}
	rest := trimmed[2:]
	if idx := strings.IndexAny(rest, "?="); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
