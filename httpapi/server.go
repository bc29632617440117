// Package httpapi exposes the transfer engine's programmatic boundary
// (start, pause, resume, stats) over HTTP. It is thin glue: each of
// those handlers translates a request into exactly one engine call; the
// listing handler reads the attached manifest instead.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/drsync"
	"github.com/opd-ai/drsync/manifest"
	"github.com/opd-ai/drsync/transport"
)

// Server wires the engine (and optionally a manifest) into an
// http.Handler.
type Server struct {
	engine   *drsync.TransferEngine
	manifest *manifest.Manager
	mux      *http.ServeMux
}

// NewServer builds the control surface for engine. manifest may be nil;
// the listing endpoint then returns an empty list.
func NewServer(engine *drsync.TransferEngine, m *manifest.Manager) *Server {
	s := &Server{
		engine:   engine,
		manifest: m,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /transfers", s.handleCreate)
	s.mux.HandleFunc("GET /transfers", s.handleList)
	s.mux.HandleFunc("GET /transfers/{id}", s.handleStats)
	s.mux.HandleFunc("POST /transfers/{id}/pause", s.handlePause)
	s.mux.HandleFunc("POST /transfers/{id}/resume", s.handleResume)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type createRequest struct {
	Filepath string `json:"filepath"`
	Remote   string `json:"remote"`
	Priority string `json:"priority"`
}

type createResponse struct {
	FileID string `json:"file_id"`
}

func parsePriority(s string) transport.Priority {
	switch s {
	case "high":
		return transport.PriorityHigh
	case "critical":
		return transport.PriorityCritical
	default:
		return transport.PriorityNormal
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	remote, err := net.ResolveUDPAddr("udp4", req.Remote)
	if err != nil {
		http.Error(w, "bad remote address", http.StatusBadRequest)
		return
	}

	fileID, err := s.engine.StartTransfer(req.Filepath, remote, parsePriority(req.Priority))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCreate",
			"filepath": req.Filepath,
			"error":    err.Error(),
		}).Warn("Transfer start rejected")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{FileID: fileID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.manifest == nil {
		writeJSON(w, http.StatusOK, []manifest.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.manifest.List())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetStats(r.PathValue("id")))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.PauseTransfer(r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, drsync.ErrUnknownTransfer) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResumeTransfer(r.PathValue("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, drsync.ErrUnknownTransfer) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Warn("Response encode failed")
	}
}
