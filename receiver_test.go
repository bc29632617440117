package drsync

import (
	"crypto/rand"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/drsync/integrity"
	"github.com/opd-ai/drsync/transport"
)

var testSender = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9292}

// dataPacket builds a valid DATA packet for one chunk of a file.
func dataPacket(fileID uint64, seq uint32, fileSize uint64, chunkSize uint32, data []byte, final bool) *transport.Packet {
	pkt := &transport.Packet{
		Type:       transport.PacketData,
		SeqID:      seq,
		DataLength: uint32(len(data)),
		FileSize:   fileSize,
		FileID:     fileID,
		Checksum:   integrity.XXHash32(data, 0),
		Data:       data,
	}
	if final {
		pkt.Flags |= transport.FlagFinalChunk
	}
	return pkt
}

func chunkPayloads(t *testing.T, size int, chunkSize int) [][]byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	var out [][]byte
	for off := 0; off < size; off += chunkSize {
		end := off + chunkSize
		if end > size {
			end = size
		}
		out = append(out, data[off:end])
	}
	return out
}

func TestReceiverReassemblesOutOfOrder(t *testing.T) {
	mock := transport.NewMockEndpoint()
	outDir := t.TempDir()
	receiver := NewReceiver(mock, outDir, 1000)

	done := make(chan string, 1)
	receiver.OnComplete(func(fileID, path, hash string) {
		done <- path
	})

	const fileID = uint64(555)
	chunks := chunkPayloads(t, 2500, 1000) // 3 chunks

	// Arrival order 2, 0, 1.
	mock.Inject(dataPacket(fileID, 2, 2500, 1000, chunks[2], true), testSender)
	mock.Inject(dataPacket(fileID, 0, 2500, 1000, chunks[0], false), testSender)
	mock.Inject(dataPacket(fileID, 1, 2500, 1000, chunks[1], false), testSender)

	var outPath string
	select {
	case outPath = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)

	var want []byte
	for _, c := range chunks {
		want = append(want, c...)
	}
	assert.Equal(t, want, got)

	// Every accepted chunk was ACKed with its own sequence number.
	acks := mock.SentOfType(transport.PacketAck)
	require.Len(t, acks, 3)
	seen := make(map[uint32]bool)
	for _, sp := range acks {
		assert.Equal(t, fileID, sp.Packet.FileID)
		seen[sp.Packet.SeqID] = true
	}
	assert.True(t, seen[0] && seen[1] && seen[2])
}

func TestReceiverDropsBadChecksum(t *testing.T) {
	mock := transport.NewMockEndpoint()
	NewReceiver(mock, t.TempDir(), 1000)

	pkt := dataPacket(42, 0, 1000, 1000, []byte("some chunk"), true)
	pkt.Checksum++ // corrupt

	mock.Inject(pkt, testSender)

	assert.Empty(t, mock.SentOfType(transport.PacketAck),
		"a corrupted chunk must not be acknowledged")
}

func TestReceiverReacksDuplicates(t *testing.T) {
	mock := transport.NewMockEndpoint()
	receiver := NewReceiver(mock, t.TempDir(), 1000)

	completions := 0
	receiver.OnComplete(func(fileID, path, hash string) {
		completions++
	})

	const fileID = uint64(808)
	payload := []byte("only chunk")
	pkt := dataPacket(fileID, 0, uint64(len(payload)), 1000, payload, true)

	mock.Inject(pkt, testSender)
	mock.Inject(pkt, testSender)

	acks := mock.SentOfType(transport.PacketAck)
	assert.Len(t, acks, 2, "duplicates are re-ACKed so the sender settles")
	assert.Equal(t, 1, completions, "completion fires once")
}

func TestReceiverIgnoresNonData(t *testing.T) {
	mock := transport.NewMockEndpoint()
	NewReceiver(mock, t.TempDir(), 1000)

	mock.Inject(&transport.Packet{Type: transport.PacketAck, SeqID: 1, FileID: 7}, testSender)
	mock.Inject(&transport.Packet{Type: transport.PacketMeta, FileID: 7}, testSender)

	assert.Empty(t, mock.Sent())
}

func TestReceiverRejectsOutOfRangeChunk(t *testing.T) {
	mock := transport.NewMockEndpoint()
	NewReceiver(mock, t.TempDir(), 1000)

	// A 1000-byte file has exactly one chunk; seq 5 is out of range.
	payload := []byte("x")
	mock.Inject(dataPacket(99, 5, 1000, 1000, payload, false), testSender)

	assert.Empty(t, mock.SentOfType(transport.PacketAck))
}

func TestReceiverFinalFileDropsPartSuffix(t *testing.T) {
	mock := transport.NewMockEndpoint()
	outDir := t.TempDir()
	receiver := NewReceiver(mock, outDir, 1000)

	done := make(chan string, 1)
	receiver.OnComplete(func(fileID, path, hash string) {
		done <- path
	})

	payload := []byte("tiny file")
	mock.Inject(dataPacket(31337, 0, uint64(len(payload)), 1000, payload, true), testSender)

	select {
	case path := <-done:
		assert.NotContains(t, path, ".part")
		_, err := os.Stat(path)
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}
}
