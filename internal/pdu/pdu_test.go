package pdu

import (
	"testing"
	"time"
)

// buildPDU assembles a minimal SMS-DELIVER PDU hex string for tests.
// smsc is left empty (length byte 0). addrBytes is pre-encoded
// semi-octet digits with a type byte of 0x91 (international);
// addrDigitCount is the decoded digit count that precedes them.
func buildPDU(t *testing.T, pduType byte, addrDigitCount int, addrBytes []byte, dcs byte, timestamp []byte, udl byte, ud []byte) string {
	t.Helper()
	out := []byte{0x00, pduType, byte(addrDigitCount), 0x91}
	out = append(out, addrBytes...)
	out = append(out, 0x00) // protocol identifier
	out = append(out, dcs)
	out = append(out, timestamp...)
	out = append(out, udl)
	out = append(out, ud...)
	return bytesToHex(out)
}

func bytesToHex(b []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0F]
	}
	return string(out)
}

func TestDecodeSimpleGSM7Message(t *testing.T) {
	// Sender "15551234567" semi-octet encoded: digits swapped in pairs.
	addr := []byte{0x51, 0x15, 0x21, 0x43, 0x65, 0x7F}
	ts := []byte{0x42, 0x50, 0x31, 0x21, 0x43, 0x50, 0x00} // 2024-05-13 12:34:05

	// "Hi" packed 7-bit: 'H'=0x48, 'i'=0x69
	ud := []byte{0xC8, 0x34}
	msg, err := Decode(buildPDU(t, 0x04, 11, addr, 0x00, ts, 2, ud))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Sender != "+15551234567" {
		t.Errorf("Sender = %q, want +15551234567", msg.Sender)
	}
	if msg.Content != "Hi" {
		t.Errorf("Content = %q, want Hi", msg.Content)
	}
	want := time.Date(2024, 5, 13, 12, 34, 5, 0, time.UTC)
	if !msg.Time.Equal(want) {
		t.Errorf("Time = %v, want %v", msg.Time, want)
	}
	if msg.Concat != nil {
		t.Errorf("Concat = %+v, want nil", msg.Concat)
	}
}

func TestDecodeUCS2Message(t *testing.T) {
	addr := []byte{0x51, 0x15, 0x21, 0x43, 0x65, 0x7F}
	ts := []byte{0x42, 0x50, 0x31, 0x21, 0x43, 0x50, 0x00}

	// U+4F60 U+597D ("你好") as big-endian UCS-2.
	ud := []byte{0x4F, 0x60, 0x59, 0x7D}
	msg, err := Decode(buildPDU(t, 0x04, 11, addr, 0x08, ts, byte(len(ud)), ud))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Content != "你好" {
		t.Errorf("Content = %q, want 你好", msg.Content)
	}
}

func TestDecodeConcatenatedHeaderWith8BitReference(t *testing.T) {
	addr := []byte{0x51, 0x15, 0x21, 0x43, 0x65, 0x7F}
	ts := []byte{0x42, 0x50, 0x31, 0x21, 0x43, 0x50, 0x00}

	// UDH: length 5, IEI 0x00 (8-bit ref), IEL 3, ref 0x2A, parts 2, part 1.
	udh := []byte{0x05, 0x00, 0x03, 0x2A, 0x02, 0x01}
	text := []byte{0xC8, 0x34} // "Hi" packed
	ud := append(append([]byte{}, udh...), text...)

	msg, err := Decode(buildPDU(t, 0x44, 11, addr, 0x00, ts, byte(len(udh)+2), ud))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Concat == nil {
		t.Fatalf("Concat = nil, want a header")
	}
	if msg.Concat.Reference != 0x2A || msg.Concat.PartsCount != 2 || msg.Concat.PartNumber != 1 {
		t.Errorf("Concat = %+v, want {42 2 1}", msg.Concat)
	}
}

func TestDecodeConcatenatedHeaderWith16BitReference(t *testing.T) {
	addr := []byte{0x51, 0x15, 0x21, 0x43, 0x65, 0x7F}
	ts := []byte{0x42, 0x50, 0x31, 0x21, 0x43, 0x50, 0x00}

	// UDH: length 6, IEI 0x08 (16-bit ref), IEL 4, ref 0x1234, parts 3, part 2.
	udh := []byte{0x06, 0x08, 0x04, 0x12, 0x34, 0x03, 0x02}
	text := []byte{0xC8, 0x34}
	ud := append(append([]byte{}, udh...), text...)

	msg, err := Decode(buildPDU(t, 0x44, 11, addr, 0x00, ts, byte(len(udh)+2), ud))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Concat == nil {
		t.Fatalf("Concat = nil, want a header")
	}
	if msg.Concat.Reference != 0x1234 || msg.Concat.PartsCount != 3 || msg.Concat.PartNumber != 2 {
		t.Errorf("Concat = %+v, want {4660 3 2}", msg.Concat)
	}
}

func TestDecodeRejectsEmptyPDU(t *testing.T) {
	if _, err := Decode(""); err == nil {
		t.Fatalf("Decode(\"\") error = nil, want error")
	}
}

func TestDecodeRejectsOddLengthHex(t *testing.T) {
	if _, err := Decode("abc"); err == nil {
		t.Fatalf("Decode() error = nil, want error for odd-length hex")
	}
}
