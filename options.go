package drsync

import (
	"github.com/opd-ai/drsync/manifest"
	"github.com/opd-ai/drsync/transport"
)

// Default engine parameters.
const (
	// DefaultListenAddr is the engine's default UDP bind address.
	DefaultListenAddr = "0.0.0.0:9090"
	// DefaultChunkSize keeps a full DATA packet under common
	// reassembly limits while packing the file densely.
	DefaultChunkSize uint32 = 65000
	// DefaultCheckpointDB is the default checkpoint database path.
	DefaultCheckpointDB = "transfers.db"
)

// Options configures a TransferEngine.
type Options struct {
	// ListenAddr is the UDP bind address (host:port).
	ListenAddr string

	// ChunkSize is the payload size per DATA packet. Must not exceed
	// transport.MaxDataSize.
	ChunkSize uint32

	// CheckpointDB is the SQLite path for durable progress records.
	CheckpointDB string

	// Endpoint, when non-nil, replaces the UDP endpoint the engine
	// would otherwise bind. Used by tests and embedders.
	Endpoint transport.Endpoint

	// Manifest, when non-nil, receives transfer listing updates.
	Manifest *manifest.Manager
}

// DefaultOptions returns Options with the engine defaults.
func DefaultOptions() *Options {
	return &Options{
		ListenAddr:   DefaultListenAddr,
		ChunkSize:    DefaultChunkSize,
		CheckpointDB: DefaultCheckpointDB,
	}
}
