package httpapi

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/drsync"
	"github.com/opd-ai/drsync/manifest"
	"github.com/opd-ai/drsync/transport"
)

func newTestServer(t *testing.T) (*Server, *drsync.TransferEngine, *manifest.Manager) {
	t.Helper()

	opts := drsync.DefaultOptions()
	opts.ChunkSize = 1000
	opts.CheckpointDB = filepath.Join(t.TempDir(), "transfers.db")
	opts.Endpoint = transport.NewMockEndpoint()

	m := manifest.NewManager("")
	opts.Manifest = m

	engine, err := drsync.New(opts)
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	return NewServer(engine, m), engine, m
}

func testFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func createTransfer(t *testing.T, srv *Server, path string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"filepath": path,
		"remote":   "127.0.0.1:9090",
		"priority": "high",
	})
	req := httptest.NewRequest(http.MethodPost, "/transfers", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		FileID string `json:"file_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.FileID)
	return resp.FileID
}

func TestCreateTransfer(t *testing.T) {
	srv, _, m := newTestServer(t)
	fileID := createTransfer(t, srv, testFile(t, 2500))

	entry, ok := m.Get(fileID)
	require.True(t, ok)
	assert.Equal(t, manifest.StatusActive, entry.Status)
	assert.Equal(t, "high", entry.Priority)
}

func TestCreateTransferBadFile(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"filepath": filepath.Join(t.TempDir(), "missing"),
		"remote":   "127.0.0.1:9090",
	})
	req := httptest.NewRequest(http.MethodPost, "/transfers", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateTransferBadRemote(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"filepath": testFile(t, 100),
		"remote":   "not-an-address",
	})
	req := httptest.NewRequest(http.MethodPost, "/transfers", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	fileID := createTransfer(t, srv, testFile(t, 2500))

	req := httptest.NewRequest(http.MethodGet, "/transfers/"+fileID, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats drsync.StatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.False(t, stats.Completed)
	assert.False(t, stats.Paused)
}

func TestPauseAndResumeEndpoints(t *testing.T) {
	srv, engine, m := newTestServer(t)
	fileID := createTransfer(t, srv, testFile(t, 2500))

	req := httptest.NewRequest(http.MethodPost, "/transfers/"+fileID+"/pause", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, engine.GetStats(fileID).Paused)

	entry, _ := m.Get(fileID)
	assert.Equal(t, manifest.StatusPaused, entry.Status)

	req = httptest.NewRequest(http.MethodPost, "/transfers/"+fileID+"/resume", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, engine.GetStats(fileID).Paused)
}

func TestPauseUnknownTransfer(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/transfers/404404/pause", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTransfer(t, srv, testFile(t, 1000))
	createTransfer(t, srv, testFile(t, 2000))

	req := httptest.NewRequest(http.MethodGet, "/transfers", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var entries []manifest.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)
}
