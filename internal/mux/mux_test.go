package mux

import (
	"context"
	"strings"
	"testing"
	"time"

	"i4.energy/across/at-gateway/internal/broadcast"
)

func startMux(t *testing.T, m *Mux) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	return cancel
}

func waitForWrite(t *testing.T, tr *fakeTransport, want string) {
	t.Helper()
	select {
	case got := <-tr.written:
		if got != want {
			t.Fatalf("written = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for write %q", want)
	}
}

func TestSubmitSuccessfulTransaction(t *testing.T) {
	tr := newFakeTransport()
	dialer := newFakeDialer(tr)
	m := New(dialer, func(string) {})
	cancel := startMux(t, m)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		resp, _ := m.Submit(context.Background(), "AT+CPIN?")
		done <- resp
	}()

	waitForWrite(t, tr, "AT+CPIN?\r\n")
	tr.send("+CPIN: READY\r\nOK\r\n")

	select {
	case resp := <-done:
		if !resp.OK() {
			t.Fatalf("resp.Err = %v, want nil", resp.Err)
		}
		if resp.Body != "+CPIN: READY\nOK" {
			t.Fatalf("resp.Body = %q", resp.Body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Submit result")
	}
}

func TestSubmitFinalError(t *testing.T) {
	tr := newFakeTransport()
	dialer := newFakeDialer(tr)
	m := New(dialer, func(string) {})
	cancel := startMux(t, m)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		resp, _ := m.Submit(context.Background(), "AT+CMGS=\"bad\"")
		done <- resp
	}()

	waitForWrite(t, tr, "AT+CMGS=\"bad\"\r\n")
	tr.send("+CMS ERROR: 500\r\n")

	select {
	case resp := <-done:
		if resp.OK() {
			t.Fatal("resp.OK() = true, want false")
		}
		if !strings.Contains(resp.Err, "CMS ERROR") {
			t.Fatalf("resp.Err = %v, want a CMS ERROR", resp.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Submit result")
	}
}

func TestSubmitSMSPrompt(t *testing.T) {
	tr := newFakeTransport()
	dialer := newFakeDialer(tr)
	m := New(dialer, func(string) {})
	cancel := startMux(t, m)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		resp, _ := m.Submit(context.Background(), `AT+CMGS="+15551234567"`)
		done <- resp
	}()

	waitForWrite(t, tr, "AT+CMGS=\"+15551234567\"\r\n")
	tr.send("\r\n> \r\n")

	select {
	case resp := <-done:
		if !resp.Prompt {
			t.Fatalf("resp.Prompt = false, want true")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Submit result")
	}
}

func TestURCForwardedWhileIdle(t *testing.T) {
	tr := newFakeTransport()
	dialer := newFakeDialer(tr)

	urcs := make(chan string, 8)
	m := New(dialer, func(line string) { urcs <- line })
	cancel := startMux(t, m)
	defer cancel()

	tr.send(`+CMTI: "SM",3` + "\r\n")

	select {
	case line := <-urcs:
		if line != `+CMTI: "SM",3` {
			t.Fatalf("urc = %q, want +CMTI notice", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for URC dispatch")
	}
}

func TestURCInterleavedDuringTransactionStillCompletes(t *testing.T) {
	tr := newFakeTransport()
	dialer := newFakeDialer(tr)

	urcs := make(chan string, 8)
	bus := broadcast.New(nil)
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	m := New(dialer, func(line string) { urcs <- line }, WithBroadcastBus(bus))
	cancel := startMux(t, m)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		resp, _ := m.Submit(context.Background(), "AT+CSQ")
		done <- resp
	}()

	waitForWrite(t, tr, "AT+CSQ\r\n")
	tr.send("RING\r\n+CSQ: 20,99\r\nOK\r\n")

	select {
	case line := <-urcs:
		if line != "RING" {
			t.Fatalf("urc = %q, want RING", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interleaved URC")
	}

	select {
	case ev := <-events:
		if ev.Type != broadcast.KindRawData || ev.Data != "RING" {
			t.Fatalf("broadcast event = %+v, want raw_data/RING", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for raw_data broadcast of interleaved URC")
	}

	select {
	case resp := <-done:
		if !resp.OK() {
			t.Fatalf("resp.Err = %v, want nil", resp.Err)
		}
		if resp.Body != "+CSQ: 20,99\nOK" {
			t.Fatalf("resp.Body = %q", resp.Body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Submit result despite interleaved URC")
	}
}

func TestSubmitContextCanceledReturnsPromptly(t *testing.T) {
	tr := newFakeTransport()
	dialer := newFakeDialer(tr)
	m := New(dialer, func(string) {})
	cancel := startMux(t, m)
	defer cancel()

	waitForConnected(t, m)

	ctx, cancelSubmit := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, "AT+CSQ")
		done <- err
	}()

	waitForWrite(t, tr, "AT+CSQ\r\n")
	cancelSubmit()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Submit() error = nil, want context.Canceled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for canceled Submit to return")
	}
}

func waitForConnected(t *testing.T, m *Mux) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m.State() == StateIdle {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for mux to reach idle state")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReconnectsAfterDisconnect(t *testing.T) {
	tr1 := newFakeTransport()
	dialer := newFakeDialer(tr1)
	m := New(dialer, func(string) {}, WithReconnectDelay(10*time.Millisecond))
	cancel := startMux(t, m)
	defer cancel()

	waitForConnected(t, m)
	tr1.Close()

	deadline := time.After(2 * time.Second)
	for {
		dialer.mu.Lock()
		attempts := dialer.dialAttempt
		dialer.mu.Unlock()
		if attempts >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a reconnect attempt")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
