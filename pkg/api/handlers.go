package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zoff-tech/settings-relay/pkg/store"
	"github.com/zoff-tech/settings-relay/schema"
)

type createRequest struct {
	Nickname string              `json:"nickname"`
	Settings schema.UserSettings `json:"settings"`
	Version  int                 `json:"version,omitempty"`
}

type updateRequest struct {
	Version  int                 `json:"version"`
	Settings schema.UserSettings `json:"settings"`
}

type recordResponse struct {
	Nickname string              `json:"nickname"`
	Settings schema.UserSettings `json:"settings"`
	Version  int                 `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, schema.ErrInvalidPayload)
		return
	}
	if req.Nickname == "" {
		s.writeError(w, r, schema.ErrInvalidPayload)
		return
	}

	if err := s.engine.Create(r.Context(), req.Nickname, req.Settings, req.Version); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Mirror the broker path: the write is done, the notification is
	// best-effort.
	if err := s.engine.SendUpdateNotification(r.Context(), req.Nickname); err != nil {
		s.logger.Error().Err(err).Str("nickname", req.Nickname).Msg("failed to notify after create")
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	nickname := chi.URLParam(r, "nickname")

	record, err := s.engine.Get(r.Context(), nickname)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, recordResponse{
		Nickname: record.Nickname,
		Settings: record.Settings,
		Version:  record.Version,
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	nickname := chi.URLParam(r, "nickname")

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, schema.ErrInvalidPayload)
		return
	}

	env := &schema.Envelope{
		Source:    "api",
		Nickname:  nickname,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Version:   req.Version,
		Payload:   req.Settings,
	}
	if err := schema.ValidateUpdate(env); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.engine.ApplyUpdate(r.Context(), nickname, env); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.engine.SendUpdateNotification(r.Context(), nickname); err != nil {
		s.logger.Error().Err(err).Str("nickname", nickname).Msg("failed to notify after update")
	}

	record, err := s.engine.Get(r.Context(), nickname)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordResponse{
		Nickname: record.Nickname,
		Settings: record.Settings,
		Version:  record.Version,
	})
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	// Fire and forget: the sweep can outlive the request by minutes.
	go func() {
		if err := s.engine.SynchronizeAll(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("settings synchronization failed")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSyncOne(w http.ResponseWriter, r *http.Request) {
	nickname := chi.URLParam(r, "nickname")

	if err := s.engine.SendUpdateNotification(r.Context(), nickname); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrStaleVersion), errors.Is(err, schema.ErrInvalidPayload):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
