// Package httpapi exposes the conversation core over HTTP: session CRUD,
// message turns (JSON or SSE streaming), and explicit agent switches.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	consulta "github.com/aliviolabs/consulta"
)

const maxRequestBodyBytes = 1 << 20 // 1MB

// statusClientClosedRequest mirrors nginx's non-standard code for turns the
// client abandoned mid-stream.
const statusClientClosedRequest = 499

// Server handles the HTTP surface over a Core.
type Server struct {
	core   *consulta.Core
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// Logger sets the structured logger.
func Logger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server over core.
func New(core *consulta.Core, opts ...Option) *Server {
	s := &Server{core: core, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /sessions/{id}/switch-agent", s.handleSwitchAgent)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type createSessionRequest struct {
	UserID             string                `json:"userId"`
	Mode               string                `json:"mode"`
	Agent              string                `json:"agent"`
	SessionID          string                `json:"sessionId,omitempty"`
	PatientSessionMeta *consulta.SessionMeta `json:"patientSessionMeta,omitempty"`
}

type createSessionResponse struct {
	SessionID string            `json:"sessionId"`
	ChatState *consulta.Session `json:"chatState"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	session, err := s.core.Sessions().CreateSession(r.Context(), req.UserID, req.Mode, req.Agent, req.SessionID, req.PatientSessionMeta)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: session.ID, ChatState: session})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	pageSize := 20
	if v := r.URL.Query().Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid pageSize")
			return
		}
		pageSize = n
	}
	pageToken := r.URL.Query().Get("pageToken")

	summaries, next, err := s.core.Sessions().List(r.Context(), userID, pageSize, pageToken)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":      summaries,
		"nextPageToken": next,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Sessions().DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Message        string                `json:"message"`
	UseStreaming   bool                  `json:"useStreaming"`
	SuggestedAgent string                `json:"suggestedAgent,omitempty"`
	SessionMeta    *consulta.SessionMeta `json:"sessionMeta,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	sessionID := r.PathValue("id")
	opts := consulta.SendOptions{
		SuggestedAgent: req.SuggestedAgent,
		Meta:           req.SessionMeta,
	}

	if req.UseStreaming {
		s.streamMessage(w, r, sessionID, req.Message, opts)
		return
	}

	res, err := s.core.SendMessage(r.Context(), sessionID, req.Message, opts)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":     res.Response,
		"routingInfo":  res.Routing,
		"updatedState": res.State,
	})
}

// streamMessage writes the turn as SSE frames: one "routing" frame, then
// token/bullet/grounding frames, then either "end" or "error"+"end".
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request, sessionID, message string, opts consulta.SendOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan consulta.Chunk, 16)
	opts.Stream = ch

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.core.SendMessage(r.Context(), sessionID, message, opts); err != nil {
			s.logger.Warn("streamed turn failed", "session", sessionID, "error", err)
		}
	}()

	for chunk := range ch {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := io.WriteString(w, "event: "+string(chunk.Type)+"\ndata: "+string(data)+"\n\n"); err != nil {
			// Client went away; SendMessage still finishes and persists.
			break
		}
		flusher.Flush()
	}
	for range ch {
	}
	<-done
}

type switchAgentRequest struct {
	Agent string `json:"agent"`
}

func (s *Server) handleSwitchAgent(w http.ResponseWriter, r *http.Request) {
	var req switchAgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}

	res, err := s.core.SwitchAgent(r.Context(), r.PathValue("id"), req.Agent)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":     res.Response,
		"routingInfo":  res.Routing,
		"updatedState": res.State,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeCoreError maps the error taxonomy to HTTP statuses.
func (s *Server) writeCoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case consulta.IsNotFound(err):
		status = http.StatusNotFound
	case consulta.IsConflict(err):
		status = http.StatusConflict
	case isTooLarge(err):
		status = http.StatusRequestEntityTooLarge
	case consulta.IsRateLimited(err):
		status = http.StatusTooManyRequests
	case isBlocked(err):
		status = http.StatusUnprocessableEntity
	case consulta.IsCancelled(err):
		status = statusClientClosedRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func isTooLarge(err error) bool {
	var e *consulta.ErrTooLarge
	return errors.As(err, &e)
}

func isBlocked(err error) bool {
	var e *consulta.ErrBlocked
	return errors.As(err, &e)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
