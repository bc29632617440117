package drsync

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/drsync/integrity"
	"github.com/opd-ai/drsync/transport"
)

// CompleteFunc is invoked when an incoming file has been fully
// reassembled. hash is the 64-bit rolling digest of the on-disk bytes.
type CompleteFunc func(fileID, path, hash string)

// Receiver is the reassembly side of the protocol. It consumes DATA
// packets off an endpoint, writes each chunk at its file offset into an
// output file pre-sized to the transfer's file size, and replies with an
// ACK for every accepted chunk. Duplicate DATA is re-ACKed (the sender
// dedups); checksum failures are dropped without an ACK so the sender
// retransmits.
type Receiver struct {
	endpoint   transport.Endpoint
	outputDir  string
	chunkSize  uint32
	onComplete CompleteFunc

	mu       sync.Mutex
	incoming map[uint64]*incomingFile
}

// incomingFile tracks reassembly state for one file_id.
type incomingFile struct {
	file          *os.File
	path          string
	fileSize      uint64
	totalChunks   uint32
	received      []bool
	receivedCount uint32
	done          bool
}

// NewReceiver creates a receiver writing reassembled files into
// outputDir. chunkSize must match the sender's; zero selects the engine
// default.
func NewReceiver(endpoint transport.Endpoint, outputDir string, chunkSize uint32) *Receiver {
	if chunkSize == 0 || chunkSize > transport.MaxDataSize {
		chunkSize = DefaultChunkSize
	}

	r := &Receiver{
		endpoint:  endpoint,
		outputDir: outputDir,
		chunkSize: chunkSize,
		incoming:  make(map[uint64]*incomingFile),
	}
	endpoint.SetPacketCallback(r.handlePacket)

	logrus.WithFields(logrus.Fields{
		"function":   "NewReceiver",
		"output_dir": outputDir,
		"chunk_size": chunkSize,
	}).Info("Receiver ready")

	return r
}

// OnComplete registers the completion callback.
func (r *Receiver) OnComplete(cb CompleteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete = cb
}

// handlePacket accepts DATA packets and ignores everything else.
func (r *Receiver) handlePacket(pkt *transport.Packet, addr net.Addr) {
	if pkt.Type != transport.PacketData {
		return
	}

	if !integrity.VerifyChunk(pkt.Data, pkt.Checksum) {
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"file_id":  pkt.FileID,
			"chunk_id": pkt.SeqID,
			"from":     addr.String(),
		}).Warn("Chunk checksum mismatch, dropping")
		return
	}

	r.mu.Lock()
	inc, err := r.fileForLocked(pkt)
	if err != nil {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"file_id":  pkt.FileID,
			"error":    err.Error(),
		}).Error("Cannot open output file")
		return
	}

	accepted := r.writeChunkLocked(inc, pkt)
	complete := accepted && inc.receivedCount == inc.totalChunks && !inc.done
	if complete {
		inc.done = true
	}
	cb := r.onComplete
	r.mu.Unlock()

	if !accepted {
		return
	}

	r.sendAck(pkt, addr)

	if complete {
		r.finish(pkt.FileID, inc, cb)
	}
}

// fileForLocked returns (creating on first sight) the reassembly state
// for the packet's file_id. Caller must hold r.mu.
func (r *Receiver) fileForLocked(pkt *transport.Packet) (*incomingFile, error) {
	if inc, ok := r.incoming[pkt.FileID]; ok {
		return inc, nil
	}

	path := filepath.Join(r.outputDir, strconv.FormatUint(pkt.FileID, 10)+".part")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	// Pre-size so chunks land at their final offsets in any order.
	if err := f.Truncate(int64(pkt.FileSize)); err != nil {
		f.Close()
		return nil, err
	}

	total := uint32((pkt.FileSize + uint64(r.chunkSize) - 1) / uint64(r.chunkSize))
	if pkt.FileSize == 0 {
		total = 1
	}

	inc := &incomingFile{
		file:        f,
		path:        path,
		fileSize:    pkt.FileSize,
		totalChunks: total,
		received:    make([]bool, total),
	}
	r.incoming[pkt.FileID] = inc

	logrus.WithFields(logrus.Fields{
		"function":     "fileForLocked",
		"file_id":      pkt.FileID,
		"path":         path,
		"file_size":    pkt.FileSize,
		"total_chunks": total,
	}).Info("Incoming transfer registered")

	return inc, nil
}

// writeChunkLocked writes the chunk payload at SeqID*chunkSize and
// reports whether the chunk is acceptable (in range and written, or a
// duplicate, which is acceptable but not re-counted). Caller must hold
// r.mu.
func (r *Receiver) writeChunkLocked(inc *incomingFile, pkt *transport.Packet) bool {
	if pkt.SeqID >= inc.totalChunks {
		return false
	}
	if inc.received[pkt.SeqID] {
		// Duplicate: ACK again, write nothing.
		return true
	}

	offset := int64(pkt.SeqID) * int64(r.chunkSize)
	if len(pkt.Data) > 0 {
		if _, err := inc.file.WriteAt(pkt.Data, offset); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "writeChunkLocked",
				"path":     inc.path,
				"chunk_id": pkt.SeqID,
				"error":    err.Error(),
			}).Error("Chunk write failed")
			return false
		}
	}

	inc.received[pkt.SeqID] = true
	inc.receivedCount++
	return true
}

// sendAck replies with an ACK mirroring the chunk's identifiers.
func (r *Receiver) sendAck(pkt *transport.Packet, addr net.Addr) {
	ack := &transport.Packet{
		Type:     transport.PacketAck,
		Priority: pkt.Priority,
		SeqID:    pkt.SeqID,
		FileSize: pkt.FileSize,
		FileID:   pkt.FileID,
	}
	if err := r.endpoint.Send(ack, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendAck",
			"file_id":  pkt.FileID,
			"chunk_id": pkt.SeqID,
			"error":    err.Error(),
		}).Warn("ACK send failed")
	}
}

// finish closes the output file, strips the .part suffix and fires the
// completion callback.
func (r *Receiver) finish(fileID uint64, inc *incomingFile, cb CompleteFunc) {
	if err := inc.file.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "finish",
			"path":     inc.path,
			"error":    err.Error(),
		}).Warn("Close failed on completed file")
	}

	finalPath := inc.path[:len(inc.path)-len(".part")]
	if err := os.Rename(inc.path, finalPath); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "finish",
			"path":     inc.path,
			"error":    err.Error(),
		}).Error("Rename failed, keeping .part file")
		finalPath = inc.path
	}

	hash := integrity.FileHash(finalPath)

	logrus.WithFields(logrus.Fields{
		"function":  "finish",
		"file_id":   fileID,
		"path":      finalPath,
		"file_hash": hash,
	}).Info("File reassembled")

	if cb != nil {
		cb(strconv.FormatUint(fileID, 10), finalPath, hash)
	}
}

// ReceivedPath returns the output path for a file_id, if known.
func (r *Receiver) ReceivedPath(fileID uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incoming[fileID]
	if !ok {
		return "", false
	}
	return inc.path, true
}
