package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratboard/stratboard/internal/db"
	"github.com/stratboard/stratboard/internal/schema"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"clients":  s.hub.TotalClients(),
		"protocol": schema.ProtocolVersion,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	tasks, err := s.store.ListTasks(r.Context(), scope)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []schema.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := schema.ValidateDraftJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
		return
	}
	var draft schema.Task
	if err := json.Unmarshal(body, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
		return
	}
	draft.SetDefaults()
	if err := draft.ValidateDraft(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
		return
	}

	task, err := s.store.CreateTask(r.Context(), scope, draft, s.config.Now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.publish(schema.EventTaskInsert, task, r.Header.Get(CorrelationHeader))
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	scope, id := chi.URLParam(r, "scope"), chi.URLParam(r, "id")

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := schema.ValidatePatchJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}
	var patch schema.TaskPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}

	task, err := s.store.UpdateTask(r.Context(), scope, id, patch, s.config.Now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.publish(schema.EventTaskUpdate, task, r.Header.Get(CorrelationHeader))
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	scope, id := chi.URLParam(r, "scope"), chi.URLParam(r, "id")

	if err := s.store.DeleteTask(r.Context(), scope, id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.hub.Publish(schema.Event{
		Type:      schema.EventTaskDelete,
		Scope:     scope,
		ID:        id,
		Origin:    r.Header.Get(CorrelationHeader),
		Timestamp: s.config.Now().UTC(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), chi.URLParam(r, "scope"), s.config.Now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeFeed(w, r, chi.URLParam(r, "scope"))
}

func (s *Server) publish(typ schema.EventType, task schema.Task, origin string) {
	t := task.Clone()
	s.hub.Publish(schema.Event{
		Type:      typ,
		Scope:     task.Scope,
		ID:        task.ID,
		Task:      &t,
		Origin:    origin,
		Version:   task.Version,
		Timestamp: s.config.Now().UTC(),
	})
}

// PublishTask announces a task written outside the request path, such as an
// inbox import. The event carries no origin.
func (s *Server) PublishTask(created bool, task schema.Task) {
	typ := schema.EventTaskUpdate
	if created {
		typ = schema.EventTaskInsert
	}
	s.publish(typ, task, "")
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, db.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	default:
		s.config.Logger.Printf("Store error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", fmt.Sprintf("failed to read body: %v", err))
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
