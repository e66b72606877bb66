// Package pdu decodes 3GPP TS 23.040 SMS-DELIVER PDUs as returned by
// AT+CMGR/AT+CMGL in PDU mode.
//
// The wire format is a hex string: an SMSC address block, a PDU-type
// octet, the originating address, protocol identifier, data coding
// scheme, a service-centre timestamp and finally the user data, which
// may carry a concatenation header (UDH) when the PDU-type's bit 0x40
// is set.
package pdu

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// ConcatHeader describes a multi-part SMS's position within the full
// message, decoded from the UDH information-element (IEI 0x00 for an
// 8-bit reference, 0x08 for a 16-bit reference).
type ConcatHeader struct {
	Reference  uint16
	PartsCount uint8
	PartNumber uint8
}

// Message is a single decoded SMS-DELIVER PDU.
type Message struct {
	Sender  string
	Content string
	Time    time.Time
	Concat  *ConcatHeader
}

// gsmAlphabet is the GSM 03.38 default alphabet, indexed by septet
// value 0-127. Index 0x1B is the escape-to-extension-table marker;
// this decoder has no extension table, so an escaped character
// decodes as '?' rather than being misread as its base-table glyph.
var gsmAlphabet = []rune("@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞ\x1bÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà")

// Decode parses a hex-encoded SMS-DELIVER PDU.
func Decode(pduHex string) (Message, error) {
	raw, err := hexToBytes(pduHex)
	if err != nil {
		return Message{}, errors.Wrap(err, "decode pdu hex")
	}
	if len(raw) == 0 {
		return Message{}, errors.New("empty pdu")
	}

	pos := 0
	smscLength := int(raw[pos])
	pos += 1 + smscLength
	if pos >= len(raw) {
		return Message{}, errors.New("pdu truncated after smsc block")
	}

	pduType := raw[pos]
	pos++

	if pos+2 > len(raw) {
		return Message{}, errors.New("pdu truncated in sender header")
	}
	senderDigits := int(raw[pos])
	pos++
	senderType := raw[pos]
	pos++
	senderByteLen := (senderDigits + 1) / 2
	if pos+senderByteLen > len(raw) {
		return Message{}, errors.New("pdu truncated in sender address")
	}
	sender := decodeSemiOctetNumber(raw[pos:pos+senderByteLen], senderDigits)
	if senderType == 0x91 && !strings.HasPrefix(sender, "+") {
		sender = "+" + sender
	}
	pos += senderByteLen

	if pos+1 > len(raw) {
		return Message{}, errors.New("pdu truncated at protocol identifier")
	}
	pos++ // protocol identifier, unused

	if pos+1 > len(raw) {
		return Message{}, errors.New("pdu truncated at data coding scheme")
	}
	dcs := raw[pos]
	isUCS2 := dcs&0x0F == 0x08
	pos++

	if pos+7 > len(raw) {
		return Message{}, errors.New("pdu truncated at service centre timestamp")
	}
	sentAt := decodeTimestamp(raw[pos : pos+7])
	pos += 7

	if pos+1 > len(raw) {
		return Message{}, errors.New("pdu truncated at user data length")
	}
	dataLength := int(raw[pos])
	pos++

	data := raw[pos:]

	var concat *ConcatHeader
	udhLength := 0
	if pduType&0x40 != 0 && len(data) > 0 {
		udhLength = int(data[0]) + 1
		if len(data) >= udhLength && len(data) >= 6 {
			switch data[1] {
			case 0x00:
				if len(data) >= 6 {
					concat = &ConcatHeader{
						Reference:  uint16(data[3]),
						PartsCount: data[4],
						PartNumber: data[5],
					}
				}
			case 0x08:
				if len(data) >= 7 {
					concat = &ConcatHeader{
						Reference:  uint16(data[3])<<8 | uint16(data[4]),
						PartsCount: data[5],
						PartNumber: data[6],
					}
				}
			}
		}
	}

	content := []byte{}
	if udhLength <= len(data) {
		content = data[udhLength:]
	}

	var text string
	if isUCS2 {
		text = decodeUCS2(content)
	} else {
		text = decode7Bit(content, dataLength)
	}

	return Message{
		Sender:  sender,
		Content: text,
		Time:    sentAt,
		Concat:  concat,
	}, nil
}

func hexToBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s)%2 != 0 {
		return nil, errors.New("odd length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q: %w", s[i*2:i*2+2], err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

// bcdSwap decodes a semi-octet byte where the low nibble is the tens
// digit and the high nibble is the units digit.
func bcdSwap(b byte) int {
	return int(b&0x0F)*10 + int(b>>4)
}

// decodeTimestamp reads the 7-octet service-centre timestamp. The
// final octet (timezone offset) is present on the wire but, matching
// upstream behavior, is not applied: all timestamps are treated as
// UTC.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 7 {
		return time.Now().UTC()
	}
	year := 2000 + bcdSwap(b[0])
	month := bcdSwap(b[1])
	day := bcdSwap(b[2])
	hour := bcdSwap(b[3])
	minute := bcdSwap(b[4])
	second := bcdSwap(b[5])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Now().UTC()
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}

// decodeSemiOctetNumber decodes a BCD-swapped phone number, stopping
// at digitCount digits (the final semi-octet of an odd-length number
// is padding and is dropped).
func decodeSemiOctetNumber(b []byte, digitCount int) string {
	var sb strings.Builder
	sb.Grow(digitCount)
	for _, byt := range b {
		lo := byt & 0x0F
		hi := byt >> 4
		if lo <= 9 {
			sb.WriteByte('0' + lo)
		}
		if sb.Len() < digitCount && hi <= 9 {
			sb.WriteByte('0' + hi)
		}
	}
	return sb.String()
}

// decode7Bit unpacks GSM 03.38 7-bit-packed octets into length septets
// of text, mapping each septet through the default alphabet. An
// escape marker (0x1B) without an extension table decodes as '?'.
func decode7Bit(packed []byte, length int) string {
	septets := make([]byte, 0, length)
	var acc uint16
	var bits uint
	for _, b := range packed {
		acc |= uint16(b) << bits
		bits += 8
		for bits >= 7 {
			septets = append(septets, byte(acc&0x7F))
			acc >>= 7
			bits -= 7
		}
	}
	if bits > 0 && len(septets) < length {
		septets = append(septets, byte(acc&0x7F))
	}
	if len(septets) > length {
		septets = septets[:length]
	}

	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < len(septets); i++ {
		v := septets[i]
		if v == 0x1B {
			// Escape plus the extension-table character it introduces.
			sb.WriteRune('?')
			i++
			continue
		}
		if int(v) < len(gsmAlphabet) {
			sb.WriteRune(gsmAlphabet[v])
		} else {
			sb.WriteRune('?')
		}
	}
	return sb.String()
}

// decodeUCS2 decodes big-endian UTF-16 (UCS-2) octet pairs. An
// unpaired trailing octet is ignored; an unpaired surrogate decodes
// as the Unicode replacement character.
func decodeUCS2(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return string(utf16.Decode(units))
}
