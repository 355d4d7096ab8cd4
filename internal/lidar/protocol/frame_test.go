package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  Packet
	}{
		{"empty payload", Packet{Seq: 1, CmdID: CmdSearch, CmdType: CmdTypeCmd, Sender: SenderHost}},
		{"short payload", Packet{Seq: 0x1234, CmdID: CmdWorkModeControl, CmdType: CmdTypeAck, Sender: SenderDevice, Payload: []byte{0x00, 0x00}}},
		{"max payload", Packet{Seq: 0xFFFF, CmdID: CmdXferFirmware, CmdType: CmdTypeCmd, Sender: SenderHost, Payload: bytes.Repeat([]byte{0x5A}, MaxPayloadSize)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := tc.pkt.Marshal()
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(buf) != HeaderSize+len(tc.pkt.Payload) {
				t.Errorf("frame length = %d, want %d", len(buf), HeaderSize+len(tc.pkt.Payload))
			}

			got, err := Parse(buf)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if got.Seq != tc.pkt.Seq || got.CmdID != tc.pkt.CmdID ||
				got.CmdType != tc.pkt.CmdType || got.Sender != tc.pkt.Sender {
				t.Errorf("round trip mismatch: got %+v want %+v", got, tc.pkt)
			}
			if !bytes.Equal(got.Payload, tc.pkt.Payload) {
				t.Error("payload mismatch after round trip")
			}
		})
	}
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	pkt := Packet{CmdID: CmdXferFirmware, Payload: make([]byte, MaxPayloadSize+1)}
	if _, err := pkt.Marshal(); err != ErrPayloadTooBig {
		t.Errorf("Marshal oversized payload: got %v, want ErrPayloadTooBig", err)
	}
}

func TestParseRejections(t *testing.T) {
	pkt := Packet{Seq: 7, CmdID: CmdGetInternalInfo, CmdType: CmdTypeCmd, Sender: SenderHost, Payload: []byte{1, 2, 3}}
	valid, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	corrupt := func(mutate func([]byte)) []byte {
		b := make([]byte, len(valid))
		copy(b, valid)
		mutate(b)
		return b
	}

	cases := []struct {
		name string
		buf  []byte
		want error
	}{
		{"truncated", valid[:HeaderSize-1], ErrTruncated},
		{"bad sof", corrupt(func(b []byte) { b[0] = 0xAB }), ErrBadSOF},
		{"length past end", corrupt(func(b []byte) { binary.LittleEndian.PutUint16(b[2:], uint16(len(b)+1)) }), ErrBadLength},
		{"header crc", corrupt(func(b []byte) { b[5] ^= 0xFF }), ErrHeaderCRC},
		{"payload crc", corrupt(func(b []byte) { b[HeaderSize] ^= 0xFF }), ErrPayloadCRC},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.buf); err != tc.want {
				t.Errorf("Parse = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseAcceptsTrailingBytes(t *testing.T) {
	// Devices pad datagrams; declared length governs the frame boundary.
	pkt := Packet{Seq: 9, CmdID: CmdPushMsg, CmdType: CmdTypeCmd, Sender: SenderDevice, Payload: []byte{0xAA, 0xBB}}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	buf = append(buf, 0xDE, 0xAD)

	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse with trailing bytes failed: %v", err)
	}
	if !bytes.Equal(got.Payload, pkt.Payload) {
		t.Errorf("payload = %x, want %x", got.Payload, pkt.Payload)
	}
}

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE check value for "123456789".
	if got := CRC16([]byte("123456789")); got != 0x29B1 {
		t.Errorf("CRC16 = %#04x, want 0x29b1", got)
	}
}
