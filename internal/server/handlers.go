// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-relay/internal/history"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

// Pager is implemented by backends that page natively, such as
// storage.SQLiteStore. Other backends are paged in memory.
type Pager interface {
	ListPage(ctx context.Context, offset, limit int) ([]model.ConversationMeta, error)
}

// UpdateRequest is the body of POST /history/update.
type UpdateRequest struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

// RenameRequest is the body of POST /history/rename.
type RenameRequest struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

// ============================================================================
// HISTORY HANDLERS
// ============================================================================

// handleList handles GET /history/list?offset=N.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	var (
		page []model.ConversationMeta
		err  error
	)
	if p, ok := s.backend.(Pager); ok {
		page, err = p.ListPage(r.Context(), offset, s.pageSize)
	} else {
		page, err = s.listPage(r.Context(), offset)
	}
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	if page == nil {
		page = []model.ConversationMeta{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) listPage(ctx context.Context, offset int) ([]model.ConversationMeta, error) {
	all, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+s.pageSize, len(all))
	return all[offset:end], nil
}

// handleRead handles GET /history/read/{id}.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	conv, err := s.backend.Read(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleDelete handles DELETE /history/delete/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAll handles DELETE /history/delete_all.
func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteAll(r.Context()); err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdate handles POST /history/update.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	for i, msg := range req.Messages {
		if msg.ID == "" || !msg.Role.Valid() {
			writeError(w, http.StatusBadRequest, "message "+strconv.Itoa(i)+" needs an id and a valid role")
			return
		}
	}

	conv, err := s.backend.UpdateMessages(r.Context(), req.ConversationID, req.Messages)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleRename handles POST /history/rename.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and title are required")
		return
	}
	if err := s.backend.Rename(r.Context(), req.ConversationID, req.Title); err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeBackendError maps a history error to its HTTP status.
func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, history.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, history.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, history.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("history backend failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody reads a JSON request body, writing 413 when it exceeds
// MaxRequestBodySize and 400 when it is malformed.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}
