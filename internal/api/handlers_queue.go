// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yebeike/RealtimeDataPlatform/internal/dlq"
	"github.com/yebeike/RealtimeDataPlatform/internal/queue"
)

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.queues.Statuses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// namedQueue resolves the route's queue without creating it.
func (s *Server) namedQueue(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	name := chi.URLParam(r, "name")
	for _, known := range s.queues.Names() {
		if known == name {
			q, err := s.queues.Queue(name)
			if err != nil {
				writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
				return nil, false
			}
			return q, true
		}
	}
	writeError(w, http.StatusNotFound, codeNotFound, "unknown queue "+name)
	return nil, false
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	q, ok := s.namedQueue(w, r)
	if !ok {
		return
	}
	counts, err := q.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   q.Name(),
		"paused": q.Paused(),
		"counts": counts,
	})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	q, ok := s.namedQueue(w, r)
	if !ok {
		return
	}
	q.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	q, ok := s.namedQueue(w, r)
	if !ok {
		return
	}
	q.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	q, ok := s.namedQueue(w, r)
	if !ok {
		return
	}
	if err := q.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleDLQRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.deadLetter.Records(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deadLetter.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deadLetter.Cleanup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	retried, err := s.deadLetter.RetryMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"retried": retried})
}

func (s *Server) handleDLQRetryBatch(w http.ResponseWriter, r *http.Request) {
	var filters dlq.BatchFilters
	if err := decodeBody(r, &filters); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	result, err := s.deadLetter.RetryBatch(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDLQRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok, err := s.deadLetter.Record(r.Context(), id); err != nil || !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "no dead-letter record "+id)
		return
	}
	if err := s.deadLetter.Remove(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
