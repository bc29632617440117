package transport

import (
	"bytes"
	"testing"
)

// TestPacketMarshalLength verifies the on-wire length contract.
func TestPacketMarshalLength(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "no payload", data: nil},
		{name: "empty payload", data: []byte{}},
		{name: "small payload", data: []byte{1, 2, 3, 4}},
		{name: "max payload", data: make([]byte, MaxDataSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Packet{Type: PacketData, Data: tt.data}
			buf := p.Marshal()
			if len(buf) != HeaderSize+len(tt.data) {
				t.Errorf("Marshal length = %d, want %d", len(buf), HeaderSize+len(tt.data))
			}
			if p.TotalSize() != len(buf) {
				t.Errorf("TotalSize = %d, want %d", p.TotalSize(), len(buf))
			}
		})
	}
}

// TestPacketRoundTrip verifies decode(encode(p)) == p for well-formed
// packets.
func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{
			name: "data packet",
			packet: &Packet{
				Type:       PacketData,
				Priority:   PriorityHigh,
				Flags:      FlagFinalChunk,
				SeqID:      42,
				DataLength: 5,
				FileSize:   1 << 33,
				FileID:     0xDEADBEEFCAFE,
				Checksum:   0x12345678,
				Data:       []byte("hello"),
			},
		},
		{
			name: "ack packet",
			packet: &Packet{
				Type:   PacketAck,
				SeqID:  7,
				FileID: 99,
			},
		},
		{
			name: "meta packet with all flags",
			packet: &Packet{
				Type:     PacketMeta,
				Priority: PriorityCritical,
				Flags:    FlagCheckpointRequest | FlagResumeRequest | FlagFinalChunk | FlagIntegrityCheck,
				FileSize: 12345,
				FileID:   1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.packet.Marshal()
			got, err := Unmarshal(buf)
			if err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}

			if got.Type != tt.packet.Type ||
				got.Priority != tt.packet.Priority ||
				got.Flags != tt.packet.Flags ||
				got.SeqID != tt.packet.SeqID ||
				got.DataLength != tt.packet.DataLength ||
				got.FileSize != tt.packet.FileSize ||
				got.FileID != tt.packet.FileID ||
				got.Checksum != tt.packet.Checksum ||
				got.Reserved != tt.packet.Reserved {
				t.Errorf("header mismatch: got %+v, want %+v", got, tt.packet)
			}

			if len(tt.packet.Data) == 0 {
				if len(got.Data) != 0 {
					t.Errorf("expected empty payload, got %d bytes", len(got.Data))
				}
			} else if !bytes.Equal(got.Data, tt.packet.Data) {
				t.Errorf("payload mismatch: got %v, want %v", got.Data, tt.packet.Data)
			}
		})
	}
}

// TestUnmarshalTooShort verifies that undersized buffers yield a
// sentinel zero packet and an error.
func TestUnmarshalTooShort(t *testing.T) {
	for _, n := range []int{0, 1, 20, HeaderSize - 1} {
		got, err := Unmarshal(make([]byte, n))
		if err != ErrPacketTooShort {
			t.Errorf("len=%d: expected ErrPacketTooShort, got %v", n, err)
		}
		if got.Type != 0 || got.SeqID != 0 || got.FileID != 0 || len(got.Data) != 0 {
			t.Errorf("len=%d: expected zero sentinel packet, got %+v", n, got)
		}
	}
}

// TestUnmarshalDataLengthAdvisory verifies the payload length comes from
// the buffer, never from the DataLength field.
func TestUnmarshalDataLengthAdvisory(t *testing.T) {
	p := &Packet{
		Type:       PacketData,
		DataLength: 60000, // lies
		Data:       []byte{1, 2, 3},
	}

	got, err := Unmarshal(p.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(got.Data) != 3 {
		t.Errorf("payload length = %d, want 3 (buffer-authoritative)", len(got.Data))
	}
	if got.DataLength != 60000 {
		t.Errorf("DataLength field = %d, want 60000 (preserved as advisory)", got.DataLength)
	}
}

// TestHeaderLayout pins the exact byte offsets of the header fields.
func TestHeaderLayout(t *testing.T) {
	p := &Packet{
		Type:       PacketAck,
		Priority:   PriorityCritical,
		Flags:      FlagFinalChunk,
		SeqID:      0x04030201,
		DataLength: 0x08070605,
		FileSize:   0x100F0E0D0C0B0A09,
		FileID:     0x1817161514131211,
		Checksum:   0x1C1B1A19,
	}
	buf := p.Marshal()

	if buf[0] != 2 {
		t.Errorf("type byte = %d, want 2", buf[0])
	}
	if buf[1] != 2 {
		t.Errorf("priority byte = %d, want 2", buf[1])
	}
	if buf[2] != 0x04 || buf[3] != 0x00 {
		t.Errorf("flags bytes = %x %x, want 04 00", buf[2], buf[3])
	}
	if buf[4] != 0x01 || buf[7] != 0x04 {
		t.Errorf("seq_id not little-endian at offset 4")
	}
	if buf[12] != 0x09 || buf[19] != 0x10 {
		t.Errorf("file_size not little-endian at offset 12")
	}
	if buf[20] != 0x11 || buf[27] != 0x18 {
		t.Errorf("file_id not little-endian at offset 20")
	}
	if buf[28] != 0x19 || buf[31] != 0x1C {
		t.Errorf("checksum not little-endian at offset 28")
	}
	if buf[32] != 0 || buf[33] != 0 || buf[34] != 0 || buf[35] != 0 {
		t.Errorf("reserved bytes not zero")
	}
}
