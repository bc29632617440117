// Package checkpoint persists transfer progress in a SQLite database so
// an interrupted transfer can be resumed across process restarts.
//
// Each record maps a file_id to the highest chunk index that had been
// acknowledged when the transfer was paused, together with the file size
// and a wall-clock update timestamp. Concurrent saves for the same
// file_id are serialized by the store; the last writer wins.
package checkpoint

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	file_id TEXT PRIMARY KEY,
	last_chunk INTEGER,
	file_size INTEGER,
	updated_at INTEGER
)`

// Store is a durable key/value progress store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	// One connection serializes concurrent savers; the last writer wins.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: init schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Debug("Checkpoint store opened")

	return &Store{db: db}, nil
}

// Save upserts the progress record for fileID, stamping updated_at with
// the current wall clock.
func (s *Store) Save(fileID string, lastChunk uint32, fileSize uint64) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO checkpoints (file_id, last_chunk, file_size, updated_at)
		 VALUES (?, ?, ?, strftime('%s','now'))`,
		fileID, lastChunk, fileSize,
	)
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", fileID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Save",
		"file_id":    fileID,
		"last_chunk": lastChunk,
		"file_size":  fileSize,
	}).Debug("Checkpoint saved")

	return nil
}

// Load returns the recorded last chunk for fileID. The second return is
// false when no prior save exists.
func (s *Store) Load(fileID string) (uint32, bool, error) {
	var lastChunk uint32
	err := s.db.QueryRow(
		`SELECT last_chunk FROM checkpoints WHERE file_id = ?`, fileID,
	).Scan(&lastChunk)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint: load %s: %w", fileID, err)
	}
	return lastChunk, true, nil
}

// LoadFileSize returns the recorded file size for fileID.
func (s *Store) LoadFileSize(fileID string) (uint64, bool, error) {
	var fileSize uint64
	err := s.db.QueryRow(
		`SELECT file_size FROM checkpoints WHERE file_id = ?`, fileID,
	).Scan(&fileSize)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint: load %s: %w", fileID, err)
	}
	return fileSize, true, nil
}

// Clear removes the record for fileID. Clearing an absent record is not
// an error.
func (s *Store) Clear(fileID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("checkpoint: clear %s: %w", fileID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
