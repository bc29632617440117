// Package transport implements the wire format and UDP endpoint for the
// drsync transfer protocol.
//
// This package handles packet framing and datagram communication. Every
// packet is a fixed 36-byte header followed by up to MaxDataSize payload
// bytes, carried in a single UDP datagram.
//
// Example:
//
//	pkt := &transport.Packet{
//	    Type:   transport.PacketData,
//	    SeqID:  7,
//	    FileID: 0x1234,
//	    Data:   chunk,
//	}
//
//	err = endpoint.Send(pkt, remoteAddr)
package transport

import (
	"encoding/binary"
	"errors"
)

// PacketType identifies the type of a drsync packet.
type PacketType uint8

const (
	// PacketData carries one file chunk; SeqID is the chunk index.
	PacketData PacketType = iota + 1
	// PacketAck acknowledges a single chunk by SeqID.
	PacketAck
	// PacketMeta is reserved for transfer metadata exchange.
	PacketMeta
	// PacketCheckpoint is reserved for checkpoint negotiation.
	PacketCheckpoint
	// PacketResume is reserved for cross-process resume negotiation.
	PacketResume
)

// Priority biases congestion window growth and retransmission timing.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// PacketFlags is the header flag bitfield.
type PacketFlags uint16

const (
	FlagCheckpointRequest PacketFlags = 0x0001
	FlagResumeRequest     PacketFlags = 0x0002
	FlagFinalChunk        PacketFlags = 0x0004
	FlagIntegrityCheck    PacketFlags = 0x0008
)

const (
	// HeaderSize is the fixed packet header length in bytes.
	HeaderSize = 36
	// MaxDataSize is the maximum payload length.
	MaxDataSize = 65000
	// MaxPacketSize is the largest datagram the protocol produces.
	MaxPacketSize = HeaderSize + MaxDataSize
)

// ErrPacketTooShort indicates a datagram smaller than the fixed header.
var ErrPacketTooShort = errors.New("packet shorter than header")

// Packet is a single drsync protocol datagram.
//
// All multi-byte header fields travel little-endian. This freezes the
// original native-order layout to its little-endian deployments; a prior
// big-endian peer would not interoperate.
type Packet struct {
	Type       PacketType
	Priority   Priority
	Flags      PacketFlags
	SeqID      uint32
	DataLength uint32
	FileSize   uint64
	FileID     uint64
	Checksum   uint32
	Reserved   uint32
	Data       []byte
}

// Marshal serializes the packet into a fresh buffer of
// HeaderSize+len(Data) bytes.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Data))
	buf[0] = byte(p.Type)
	buf[1] = byte(p.Priority)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(p.Flags))
	binary.LittleEndian.PutUint32(buf[4:8], p.SeqID)
	binary.LittleEndian.PutUint32(buf[8:12], p.DataLength)
	binary.LittleEndian.PutUint64(buf[12:20], p.FileSize)
	binary.LittleEndian.PutUint64(buf[20:28], p.FileID)
	binary.LittleEndian.PutUint32(buf[28:32], p.Checksum)
	binary.LittleEndian.PutUint32(buf[32:36], p.Reserved)
	copy(buf[HeaderSize:], p.Data)
	return buf
}

// Unmarshal parses a datagram into a Packet. Buffers shorter than the
// header yield a zero-valued packet and ErrPacketTooShort; callers drop
// those. The authoritative payload length is len(buf)-HeaderSize —
// DataLength is advisory and never trusted past the packet boundary.
func Unmarshal(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return &Packet{}, ErrPacketTooShort
	}

	p := &Packet{
		Type:       PacketType(buf[0]),
		Priority:   Priority(buf[1]),
		Flags:      PacketFlags(binary.LittleEndian.Uint16(buf[2:4])),
		SeqID:      binary.LittleEndian.Uint32(buf[4:8]),
		DataLength: binary.LittleEndian.Uint32(buf[8:12]),
		FileSize:   binary.LittleEndian.Uint64(buf[12:20]),
		FileID:     binary.LittleEndian.Uint64(buf[20:28]),
		Checksum:   binary.LittleEndian.Uint32(buf[28:32]),
		Reserved:   binary.LittleEndian.Uint32(buf[32:36]),
	}

	if len(buf) > HeaderSize {
		p.Data = make([]byte, len(buf)-HeaderSize)
		copy(p.Data, buf[HeaderSize:])
	}

	return p, nil
}

// TotalSize returns the on-wire size of the packet.
func (p *Packet) TotalSize() int {
	return HeaderSize + len(p.Data)
}
