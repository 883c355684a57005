package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/cellsrv/internal/sandbox"
	"github.com/michaelbrown/cellsrv/internal/supervisor"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

func chiParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.workers.List()
	if workers == nil {
		workers = []supervisor.Handle{}
	}
	writeJSON(w, http.StatusOK, workers)
}

type startWorkerRequest struct {
	ID     string            `json:"id"`
	Limits map[string]uint64 `json:"limits"`
}

type workerResponse struct {
	ID       string          `json:"id"`
	Endpoint wire.Connection `json:"endpoint"`
}

func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	var req startWorkerRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	so := supervisor.StartOptions{ID: req.ID}
	if req.Limits != nil {
		limits, err := sandbox.ParseLimits(req.Limits)
		if err != nil {
			fail(w, r, err)
			return
		}
		so.Limits = limits
	}

	id, conn, err := s.workers.Start(r.Context(), so)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, workerResponse{ID: id, Endpoint: conn})
}

func (s *Server) handleKillWorker(w http.ResponseWriter, r *http.Request) {
	if _, err := s.workers.Kill(chiParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterruptWorker(w http.ResponseWriter, r *http.Request) {
	ok, err := s.workers.Interrupt(chiParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": ok})
}

func (s *Server) handleRestartWorker(w http.ResponseWriter, r *http.Request) {
	id, conn, err := s.workers.Restart(r.Context(), chiParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workerResponse{ID: id, Endpoint: conn})
}
