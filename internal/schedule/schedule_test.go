package schedule

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

func TestBuildLTECommandBandLock(t *testing.T) {
	cmd := BuildLTECommand(LockTypeBand, []string{"1", "3", "7"}, "", "", nil)
	want := `AT^LTEFREQLOCK=3,0,3,"1,3,7"`
	if cmd != want {
		t.Fatalf("cmd = %q, want %q", cmd, want)
	}
}

func TestBuildLTECommandFrequencyLockMismatchUnlocks(t *testing.T) {
	cmd := BuildLTECommand(LockTypeFrequency, []string{"1", "3"}, "100", "", nil)
	if cmd != "AT^LTEFREQLOCK=0" {
		t.Fatalf("cmd = %q, want unlock on count mismatch", cmd)
	}
}

func TestBuildLTECommandCellLock(t *testing.T) {
	cmd := BuildLTECommand(LockTypeCell, []string{"1"}, "100", "50", nil)
	want := `AT^LTEFREQLOCK=2,0,1,"1","100","50"`
	if cmd != want {
		t.Fatalf("cmd = %q, want %q", cmd, want)
	}
}

func TestBuildNRCommandCellLockMismatchUnlocks(t *testing.T) {
	cmd := BuildNRCommand(LockTypeCell, []string{"78"}, "500000", "1", "", nil)
	if cmd != "AT^NRFREQLOCK=0" {
		t.Fatalf("cmd = %q, want unlock on count mismatch (missing pcis)", cmd)
	}
}

func TestCurrentModeForTimeHandlesMidnightCrossing(t *testing.T) {
	m := &Monitor{cfg: Config{
		NightEnabled: true, NightStart: "22:00", NightEnd: "06:00",
		DayEnabled: true,
	}}

	cases := []struct {
		hour, minute int
		want         string
	}{
		{23, 0, "night"},
		{2, 30, "night"},
		{6, 0, "day"},
		{12, 0, "day"},
		{21, 59, "day"},
		{22, 0, "night"},
	}
	for _, c := range cases {
		got := m.currentModeForTime(time.Date(2026, 1, 1, c.hour, c.minute, 0, 0, time.UTC))
		if got != c.want {
			t.Errorf("currentModeForTime(%02d:%02d) = %q, want %q", c.hour, c.minute, got, c.want)
		}
	}
}

func TestCurrentModeForTimeRespectsDisabledFlags(t *testing.T) {
	m := &Monitor{cfg: Config{NightEnabled: false, NightStart: "22:00", NightEnd: "06:00", DayEnabled: true}}
	if got := m.currentModeForTime(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)); got != "" {
		t.Fatalf("currentModeForTime during night with night disabled = %q, want empty", got)
	}
}

func TestCheckNetworkStatusPrefersCREGThenCEREG(t *testing.T) {
	sub := newFakeSubmitter()
	sub.responses["AT+CREG?"] = mux.Response{Success: true, Body: "+CREG: 0,1"}
	m := NewMonitor(sub, Config{}, nil)

	ok, err := m.checkNetworkStatus(context.Background())
	if err != nil || !ok {
		t.Fatalf("checkNetworkStatus = (%v, %v), want (true, nil)", ok, err)
	}

	sub2 := newFakeSubmitter()
	sub2.responses["AT+CREG?"] = mux.Response{Success: true, Body: "+CREG: 0,2"}
	sub2.responses["AT+CEREG?"] = mux.Response{Success: true, Body: "+CEREG: 0,5"}
	m2 := NewMonitor(sub2, Config{}, nil)
	ok, err = m2.checkNetworkStatus(context.Background())
	if err != nil || !ok {
		t.Fatalf("checkNetworkStatus fallback to CEREG = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestMonitorSkipsWhenDisabled(t *testing.T) {
	sub := newFakeSubmitter()
	m := NewMonitor(sub, Config{Enabled: false}, nil)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return immediately when disabled")
	}
}
