package drsync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/drsync/checkpoint"
	"github.com/opd-ai/drsync/congestion"
	"github.com/opd-ai/drsync/integrity"
	"github.com/opd-ai/drsync/manifest"
	"github.com/opd-ai/drsync/transport"
)

// ErrUnknownTransfer indicates an operation on a file_id the engine does
// not track.
var ErrUnknownTransfer = errors.New("unknown transfer")

// ErrNoCheckpoint indicates a cross-process resume for a file_id with no
// durable progress record.
var ErrNoCheckpoint = errors.New("no checkpoint record")

// Loop tick intervals.
const (
	senderTick     = 10 * time.Millisecond
	retransmitTick = 100 * time.Millisecond
	telemetryTick  = 1 * time.Second
)

// TransferEngine owns the network endpoint, the checkpoint store and the
// set of transfer contexts, and runs the sender, retransmit and
// telemetry loops. Incoming ACKs are dispatched from the endpoint's
// receive pump.
type TransferEngine struct {
	opts       Options
	endpoint   transport.Endpoint
	checkpoint *checkpoint.Store

	mu        sync.Mutex
	transfers map[string]*TransferContext

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New constructs a TransferEngine from opts, binds the UDP endpoint and
// starts the engine loops. Bind and checkpoint-open failures are fatal:
// the engine is unusable and an error is returned.
func New(opts *Options) (*TransferEngine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.ChunkSize == 0 || opts.ChunkSize > transport.MaxDataSize {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.CheckpointDB == "" {
		opts.CheckpointDB = DefaultCheckpointDB
	}

	ep := opts.Endpoint
	if ep == nil {
		udp, err := transport.Listen(opts.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("engine: bind %s: %w", opts.ListenAddr, err)
		}
		ep = udp
	}

	store, err := checkpoint.Open(opts.CheckpointDB)
	if err != nil {
		ep.Close()
		return nil, fmt.Errorf("engine: checkpoint store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &TransferEngine{
		opts:       *opts,
		endpoint:   ep,
		checkpoint: store,
		transfers:  make(map[string]*TransferContext),
		ctx:        ctx,
		cancel:     cancel,
	}

	ep.SetPacketCallback(e.handlePacket)

	e.wg.Add(3)
	go e.senderLoop()
	go e.retransmitLoop()
	go e.telemetryLoop()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"addr":     ep.LocalAddr().String(),
	}).Info("Transfer engine started")

	return e, nil
}

// newFileID derives a random 64-bit transfer identifier from a UUIDv4.
func newFileID() uint64 {
	u := uuid.New()
	return binary.LittleEndian.Uint64(u[:8])
}

// StartTransfer registers a new outgoing transfer of the file at path to
// remote and returns the transfer's file_id as a decimal string. The
// file must be openable; otherwise the empty id and an error are
// returned.
func (e *TransferEngine) StartTransfer(path string, remote net.Addr, priority transport.Priority) (string, error) {
	var info os.FileInfo
	f, err := os.Open(path)
	if err == nil {
		info, err = f.Stat()
		f.Close()
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartTransfer",
			"path":     path,
			"error":    err.Error(),
		}).Error("Cannot open source file")
		return "", fmt.Errorf("engine: open %s: %w", path, err)
	}

	fileIDNum := newFileID()
	fileID := strconv.FormatUint(fileIDNum, 10)
	fileSize := uint64(info.Size())
	totalChunks := uint32((fileSize + uint64(e.opts.ChunkSize) - 1) / uint64(e.opts.ChunkSize))

	ctx := &TransferContext{
		FileID:      fileID,
		FileIDNum:   fileIDNum,
		Filepath:    path,
		FileSize:    fileSize,
		ChunkSize:   e.opts.ChunkSize,
		TotalChunks: totalChunks,
		Priority:    priority,
		Remote:      remote,
		Congestion:  congestion.NewController(priority),
		StartTime:   time.Now(),
		ackBitmap:   make([]bool, totalChunks),
		sendTimes:   make([]time.Time, totalChunks),
	}

	e.mu.Lock()
	e.transfers[fileID] = ctx
	e.mu.Unlock()

	if e.opts.Manifest != nil {
		e.opts.Manifest.Add(manifest.Entry{
			FileID:      fileID,
			Filename:    path,
			FileSize:    fileSize,
			TotalChunks: totalChunks,
			ChunkSize:   e.opts.ChunkSize,
			Priority:    priority.String(),
			Status:      manifest.StatusActive,
			FileHash:    integrity.FileHash(path),
		})
	}

	logrus.WithFields(logrus.Fields{
		"function":     "StartTransfer",
		"file_id":      fileID,
		"path":         path,
		"file_size":    fileSize,
		"total_chunks": totalChunks,
		"priority":     priority.String(),
		"remote":       remote.String(),
	}).Info("Transfer started")

	return fileID, nil
}

// ResumeFromCheckpoint recreates a transfer from its durable progress
// record, pre-marking chunks up to the recorded watermark as
// acknowledged. This is the cross-process resume path; in-process
// resume is ResumeTransfer.
func (e *TransferEngine) ResumeFromCheckpoint(path, fileID string, remote net.Addr, priority transport.Priority) error {
	fileIDNum, err := strconv.ParseUint(fileID, 10, 64)
	if err != nil {
		return fmt.Errorf("engine: bad file_id %q: %w", fileID, err)
	}

	lastChunk, found, err := e.checkpoint.Load(fileID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoCheckpoint
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("engine: open %s: %w", path, err)
	}

	fileSize := uint64(info.Size())
	if recorded, ok, err := e.checkpoint.LoadFileSize(fileID); err == nil && ok && recorded != fileSize {
		return fmt.Errorf("engine: file size changed since checkpoint: recorded %d, now %d", recorded, fileSize)
	}
	totalChunks := uint32((fileSize + uint64(e.opts.ChunkSize) - 1) / uint64(e.opts.ChunkSize))
	if lastChunk >= totalChunks {
		return fmt.Errorf("engine: checkpoint chunk %d out of range for %d chunks", lastChunk, totalChunks)
	}

	ctx := &TransferContext{
		FileID:      fileID,
		FileIDNum:   fileIDNum,
		Filepath:    path,
		FileSize:    fileSize,
		ChunkSize:   e.opts.ChunkSize,
		TotalChunks: totalChunks,
		Priority:    priority,
		Remote:      remote,
		Congestion:  congestion.NewController(priority),
		StartTime:   time.Now(),
		ackBitmap:   make([]bool, totalChunks),
		sendTimes:   make([]time.Time, totalChunks),
	}

	// The checkpoint records the highest acked index, not a contiguous
	// prefix; restoring marks everything up to it as delivered.
	now := time.Now()
	for i := uint32(0); i <= lastChunk; i++ {
		ctx.ackBitmap[i] = true
		ctx.sendTimes[i] = now
		ctx.Stats.chunksAcked.Add(1)
		ctx.Stats.bytesAcked.Add(ctx.chunkLength(i))
	}

	e.mu.Lock()
	e.transfers[fileID] = ctx
	e.mu.Unlock()

	if e.opts.Manifest != nil {
		e.opts.Manifest.SetStatus(fileID, manifest.StatusActive)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "ResumeFromCheckpoint",
		"file_id":    fileID,
		"last_chunk": lastChunk,
		"remote":     remote.String(),
	}).Info("Transfer restored from checkpoint")

	return nil
}

// PauseTransfer pauses the transfer and persists its highest
// acknowledged chunk index to the checkpoint store. Checkpoint write
// failures are logged; in-memory progress stays authoritative.
func (e *TransferEngine) PauseTransfer(fileID string) error {
	e.mu.Lock()
	ctx, ok := e.transfers[fileID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}

	ctx.Stats.paused.Store(true)

	ctx.mu.Lock()
	lastAcked := ctx.highestAcked()
	ctx.mu.Unlock()

	if err := e.checkpoint.Save(fileID, lastAcked, ctx.FileSize); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PauseTransfer",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Error("Checkpoint save failed")
	}

	if e.opts.Manifest != nil {
		e.opts.Manifest.SetStatus(fileID, manifest.StatusPaused)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "PauseTransfer",
		"file_id":    fileID,
		"last_chunk": lastAcked,
	}).Info("Transfer paused")

	return nil
}

// ResumeTransfer clears the paused flag. The checkpoint is not re-read:
// it exists for cross-process resume, and in-memory state is
// authoritative for a live engine.
func (e *TransferEngine) ResumeTransfer(fileID string) error {
	e.mu.Lock()
	ctx, ok := e.transfers[fileID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}

	ctx.Stats.paused.Store(false)

	if e.opts.Manifest != nil {
		e.opts.Manifest.SetStatus(fileID, manifest.StatusActive)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ResumeTransfer",
		"file_id":  fileID,
	}).Info("Transfer resumed")

	return nil
}

// GetStats returns a snapshot of the transfer's counters, or zeroed
// stats for an unknown file_id.
func (e *TransferEngine) GetStats(fileID string) StatsSnapshot {
	e.mu.Lock()
	ctx, ok := e.transfers[fileID]
	e.mu.Unlock()
	if !ok {
		return StatsSnapshot{}
	}
	return ctx.Stats.Snapshot()
}

// LocalAddr returns the engine endpoint's bound address.
func (e *TransferEngine) LocalAddr() net.Addr {
	return e.endpoint.LocalAddr()
}

// Stop signals all loops to exit, joins them and releases the endpoint
// and checkpoint store. Safe to call more than once.
func (e *TransferEngine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.endpoint.Close()
		e.checkpoint.Close()

		logrus.WithFields(logrus.Fields{
			"function": "Stop",
		}).Info("Transfer engine stopped")
	})
}

// activeContexts snapshots the transfer map under the map lock. The
// returned contexts are locked individually afterwards, preserving the
// map-before-context acquisition order.
func (e *TransferEngine) activeContexts() []*TransferContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*TransferContext, 0, len(e.transfers))
	for _, ctx := range e.transfers {
		out = append(out, ctx)
	}
	return out
}

// senderLoop walks every non-paused, non-completed transfer each tick
// and transmits the not-yet-sent chunks that fall inside the current
// congestion window. Re-sends are the retransmit loop's job: a chunk is
// transmitted here exactly once, so the RTO clock on it is meaningful.
func (e *TransferEngine) senderLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(senderTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, ctx := range e.activeContexts() {
			if ctx.Stats.paused.Load() || ctx.Stats.completed.Load() {
				continue
			}

			ctx.mu.Lock()
			for chunkID := uint32(0); chunkID < ctx.TotalChunks; chunkID++ {
				if !ctx.ackBitmap[chunkID] && ctx.sendTimes[chunkID].IsZero() && ctx.isChunkInWindow(chunkID) {
					e.sendChunk(ctx, chunkID)
				}
			}
			ctx.mu.Unlock()
		}
	}
}

// retransmitLoop re-sends chunks whose ACK has not arrived within the
// controller's retransmission timeout, reporting each as a loss.
func (e *TransferEngine) retransmitLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(retransmitTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, ctx := range e.activeContexts() {
			if ctx.Stats.paused.Load() || ctx.Stats.completed.Load() {
				continue
			}

			ctx.mu.Lock()
			now := time.Now()
			rto := ctx.Congestion.RetryTimeout()

			for chunkID := uint32(0); chunkID < ctx.TotalChunks; chunkID++ {
				if ctx.ackBitmap[chunkID] || ctx.sendTimes[chunkID].IsZero() {
					continue
				}
				if now.Sub(ctx.sendTimes[chunkID]) > rto {
					ctx.Congestion.OnLoss()
					e.sendChunk(ctx, chunkID)
					ctx.Stats.retransmissions.Add(1)

					logrus.WithFields(logrus.Fields{
						"function": "retransmitLoop",
						"file_id":  ctx.FileID,
						"chunk_id": chunkID,
						"rto_ms":   rto.Milliseconds(),
					}).Debug("Chunk retransmitted")
				}
			}
			ctx.mu.Unlock()
		}
	}
}

// telemetryLoop refreshes throughput readouts and detects completion.
// On completion the checkpoint record is cleared.
func (e *TransferEngine) telemetryLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(telemetryTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, ctx := range e.activeContexts() {
			if ctx.Stats.completed.Load() {
				continue
			}

			ctx.Stats.setThroughput(ctx.Congestion.ThroughputMbps())

			ctx.mu.Lock()
			done := ctx.allAcked()
			ctx.mu.Unlock()

			if !done {
				continue
			}

			ctx.Stats.completed.Store(true)

			if err := e.checkpoint.Clear(ctx.FileID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "telemetryLoop",
					"file_id":  ctx.FileID,
					"error":    err.Error(),
				}).Error("Checkpoint clear failed")
			}

			if e.opts.Manifest != nil {
				e.opts.Manifest.SetStatus(ctx.FileID, manifest.StatusCompleted)
			}

			logrus.WithFields(logrus.Fields{
				"function": "telemetryLoop",
				"file_id":  ctx.FileID,
				"elapsed":  time.Since(ctx.StartTime).Seconds(),
			}).Info("Transfer completed")
		}
	}
}

// handlePacket dispatches datagrams from the endpoint's receive pump.
// Only ACKs matter to the sending engine; everything else is dropped.
// The first ACK for a chunk sets its bitmap bit exactly once; duplicates
// are ignored.
func (e *TransferEngine) handlePacket(pkt *transport.Packet, addr net.Addr) {
	if pkt.Type != transport.PacketAck {
		return
	}

	fileID := strconv.FormatUint(pkt.FileID, 10)

	e.mu.Lock()
	ctx, ok := e.transfers[fileID]
	e.mu.Unlock()
	if !ok {
		return
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	chunkID := pkt.SeqID
	if chunkID >= ctx.TotalChunks || ctx.ackBitmap[chunkID] {
		return
	}

	ctx.ackBitmap[chunkID] = true
	ctx.Stats.chunksAcked.Add(1)
	ctx.Stats.bytesAcked.Add(ctx.chunkLength(chunkID))

	if !ctx.sendTimes[chunkID].IsZero() {
		ctx.Congestion.UpdateRTT(time.Since(ctx.sendTimes[chunkID]))
	}
	ctx.Congestion.OnAck()
}

// sendChunk reads chunk chunkID from the source file, wraps it in a DATA
// packet and hands it to the endpoint. File failures are logged and the
// chunk's send time is left unchanged, so the next sender pass (first
// send) or retransmit pass (re-send) tries again. Transport failures are
// logged; the chunk counts as sent and the retransmit loop recovers it.
// Caller must hold ctx.mu.
func (e *TransferEngine) sendChunk(ctx *TransferContext, chunkID uint32) {
	f, err := os.Open(ctx.Filepath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendChunk",
			"file_id":  ctx.FileID,
			"chunk_id": chunkID,
			"error":    err.Error(),
		}).Error("Cannot open source file")
		return
	}
	defer f.Close()

	offset := uint64(chunkID) * uint64(ctx.ChunkSize)
	length := ctx.chunkLength(chunkID)

	buf := make([]byte, length)
	if length > 0 {
		// The final chunk may read to EOF with a full buffer.
		if n, err := f.ReadAt(buf, int64(offset)); err != nil && !(err == io.EOF && n == len(buf)) {
			logrus.WithFields(logrus.Fields{
				"function": "sendChunk",
				"file_id":  ctx.FileID,
				"chunk_id": chunkID,
				"error":    err.Error(),
			}).Error("Chunk read failed")
			return
		}
	}

	pkt := &transport.Packet{
		Type:       transport.PacketData,
		Priority:   ctx.Priority,
		SeqID:      chunkID,
		DataLength: uint32(length),
		FileSize:   ctx.FileSize,
		FileID:     ctx.FileIDNum,
		Checksum:   integrity.XXHash32(buf, 0),
		Data:       buf,
	}
	if chunkID == ctx.TotalChunks-1 {
		pkt.Flags |= transport.FlagFinalChunk
	}

	if err := e.endpoint.Send(pkt, ctx.Remote); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendChunk",
			"file_id":  ctx.FileID,
			"chunk_id": chunkID,
			"error":    err.Error(),
		}).Warn("Send failed")
	}

	ctx.sendTimes[chunkID] = time.Now()
	ctx.Stats.chunksSent.Add(1)
	ctx.Stats.bytesSent.Add(length)
	ctx.Congestion.RecordSend(length)
}
