package dial

import (
	"context"
	"sync"
	"testing"
	"time"

	"i4.energy/across/at-gateway/internal/mux"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	responses map[string]mux.Response
	submitted []string
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{responses: make(map[string]mux.Response)}
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd string) (mux.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, cmd)
	if resp, ok := f.responses[cmd]; ok {
		return resp, nil
	}
	return mux.Response{Success: true, Body: "OK"}, nil
}

type fakeApplier struct {
	mu       sync.Mutex
	applied  int
	ifname   string
	pdpType  PDPType
}

func (f *fakeApplier) Apply(_ context.Context, ifname string, pdpType PDPType, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	f.ifname = ifname
	f.pdpType = pdpType
	return nil
}

func (f *fakeApplier) Teardown(context.Context) error { return nil }

func TestParseCGPADDRDetectsIPv4(t *testing.T) {
	body := `+CGPADDR: 1,"10.52.0.113","2409:8a00::1"` + "\nOK"
	if !ParseCGPADDR(body) {
		t.Fatal("ParseCGPADDR() = false, want true for a valid IPv4 address")
	}
}

func TestParseCGPADDRRejectsNullAddresses(t *testing.T) {
	body := `+CGPADDR: 1,"0.0.0.0","::"` + "\nOK"
	if ParseCGPADDR(body) {
		t.Fatal("ParseCGPADDR() = true, want false when every address is null")
	}
}

func TestNormalizePDPType(t *testing.T) {
	cases := map[string]PDPType{
		"ipv4v6": PDPTypeIPv4v6,
		"IPV6":   PDPTypeIPv6,
		"ip":     PDPTypeIPv4,
		"":       PDPTypeIPv4,
	}
	for in, want := range cases {
		if got := NormalizePDPType(in); got != want {
			t.Errorf("NormalizePDPType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMonitorDialsWhenNoIPDetected(t *testing.T) {
	sub := newFakeSubmitter()
	sub.responses["AT+CGPADDR"] = mux.Response{Success: true, Body: `+CGPADDR: 1,"0.0.0.0"` + "\nOK"}
	applier := &fakeApplier{}

	m := NewMonitor(sub, applier, Config{PDPType: PDPTypeIPv4}, nil)
	m.tick(context.Background())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	found := false
	for _, cmd := range sub.submitted {
		if cmd == `AT+CGDCONT=1,"IP","auto"` {
			found = true
		}
	}
	if !found {
		t.Fatalf("submitted = %v, want AT+CGDCONT dial command", sub.submitted)
	}
}

func TestMonitorAppliesNetworkOnceConnected(t *testing.T) {
	sub := newFakeSubmitter()
	sub.responses["AT+CGPADDR"] = mux.Response{Success: true, Body: `+CGPADDR: 1,"10.0.0.5"` + "\nOK"}
	applier := &fakeApplier{}

	m := NewMonitor(sub, applier, Config{PDPType: PDPTypeIPv4, Interface: "usb0"}, nil)
	m.tick(context.Background())

	if applier.applied != 1 || applier.ifname != "usb0" {
		t.Fatalf("applier = %+v, want one Apply call for usb0", applier)
	}

	// Second tick while still connected should not re-apply.
	m.tick(context.Background())
	if applier.applied != 1 {
		t.Fatalf("applied = %d after second tick, want still 1 (no redundant apply)", applier.applied)
	}
}

func TestMonitorRunStopsOnContextCancel(t *testing.T) {
	sub := newFakeSubmitter()
	applier := &fakeApplier{}
	m := NewMonitor(sub, applier, Config{PollInterval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
