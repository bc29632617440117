package drsync

import (
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/drsync/congestion"
	"github.com/opd-ai/drsync/transport"
)

// TransferStats holds the atomically updated counters of one transfer.
// Counters are read and written without locks; Snapshot produces a
// plain-value copy for callers.
type TransferStats struct {
	bytesSent       atomic.Uint64
	bytesAcked      atomic.Uint64
	chunksSent      atomic.Uint32
	chunksAcked     atomic.Uint32
	retransmissions atomic.Uint32
	throughputBits  atomic.Uint64
	completed       atomic.Bool
	paused          atomic.Bool
}

// StatsSnapshot is a point-in-time value copy of TransferStats.
type StatsSnapshot struct {
	BytesSent       uint64  `json:"bytes_sent"`
	BytesAcked      uint64  `json:"bytes_acked"`
	ChunksSent      uint32  `json:"chunks_sent"`
	ChunksAcked     uint32  `json:"chunks_acked"`
	Retransmissions uint32  `json:"retransmissions"`
	ThroughputMbps  float64 `json:"throughput_mbps"`
	Completed       bool    `json:"completed"`
	Paused          bool    `json:"paused"`
}

// Snapshot reads every counter once and returns the copy.
func (s *TransferStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesSent:       s.bytesSent.Load(),
		BytesAcked:      s.bytesAcked.Load(),
		ChunksSent:      s.chunksSent.Load(),
		ChunksAcked:     s.chunksAcked.Load(),
		Retransmissions: s.retransmissions.Load(),
		ThroughputMbps:  math.Float64frombits(s.throughputBits.Load()),
		Completed:       s.completed.Load(),
		Paused:          s.paused.Load(),
	}
}

func (s *TransferStats) setThroughput(mbps float64) {
	s.throughputBits.Store(math.Float64bits(mbps))
}

// TransferContext is the per-file state of one outgoing transfer.
//
// The mutex guards ackBitmap, sendTimes and controller state
// transitions. Lock acquisition order is always engine map before
// context; the reverse never happens.
type TransferContext struct {
	FileID      string
	FileIDNum   uint64
	Filepath    string
	FileSize    uint64
	ChunkSize   uint32
	TotalChunks uint32
	Priority    transport.Priority
	Remote      net.Addr

	Congestion *congestion.Controller
	Stats      TransferStats
	StartTime  time.Time

	mu        sync.Mutex
	ackBitmap []bool
	sendTimes []time.Time
}

// chunkLength returns the payload byte length of chunk i, respecting
// the final-chunk remainder.
func (ctx *TransferContext) chunkLength(i uint32) uint64 {
	offset := uint64(i) * uint64(ctx.ChunkSize)
	remain := ctx.FileSize - offset
	if remain < uint64(ctx.ChunkSize) {
		return remain
	}
	return uint64(ctx.ChunkSize)
}

// highestAcked returns the maximum acknowledged chunk index, or 0 when
// nothing has been acknowledged. Caller must hold ctx.mu.
func (ctx *TransferContext) highestAcked() uint32 {
	var last uint32
	for i := uint32(0); i < ctx.TotalChunks; i++ {
		if ctx.ackBitmap[i] {
			last = i
		}
	}
	return last
}

// allAcked reports whether every chunk bit is set. Caller must hold
// ctx.mu.
func (ctx *TransferContext) allAcked() bool {
	for _, acked := range ctx.ackBitmap {
		if !acked {
			return false
		}
	}
	return true
}

// windowBase returns the lowest unacknowledged chunk index. Caller must
// hold ctx.mu.
func (ctx *TransferContext) windowBase() uint32 {
	for i := uint32(0); i < ctx.TotalChunks; i++ {
		if !ctx.ackBitmap[i] {
			return i
		}
	}
	return 0
}

// isChunkInWindow reports whether chunk i falls inside the current send
// window [base, base+window). The sender's outer loop still walks every
// chunk, so the window acts as a cap on eligible unacknowledged chunks
// per pass rather than a strict go-back-N bound. Caller must hold
// ctx.mu.
func (ctx *TransferContext) isChunkInWindow(i uint32) bool {
	base := ctx.windowBase()
	window := ctx.Congestion.WindowSize()
	return i >= base && i < base+window
}
