package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentpool/agentpool/internal/telemetry"
)

// session is the subset of *agentpool.Session the HTTP surface drives.
// Kept as an interface so handlers can be tested against a fake without
// standing up a real backend.
type session interface {
	ID() string
	Send(ctx context.Context, to, content string) string
	Recv(ctx context.Context, waitSeconds int) string
	Rename(ctx context.Context, newName string) string
	GetStatus(ctx context.Context) string
}

// sendRequest is the POST /send body.
type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "httpapi.send")
	defer span.End()

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, s.logger, http.StatusBadRequest, "invalid_request", "malformed JSON body", err)
		return
	}
	if req.To == "" || req.Content == "" {
		WriteError(w, s.logger, http.StatusBadRequest, "invalid_request", "to and content are required", nil)
		return
	}
	result := s.session.Send(ctx, req.To, req.Content)
	WriteSuccess(w, map[string]string{"result": result})
}

// recvRequest is the POST /recv body. WaitSeconds defaults to 0 (no wait)
// when omitted.
type recvRequest struct {
	WaitSeconds int `json:"wait_seconds"`
}

func (s *Server) handleRecv(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "httpapi.recv")
	defer span.End()

	var req recvRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, s.logger, http.StatusBadRequest, "invalid_request", "malformed JSON body", err)
			return
		}
	} else if q := r.URL.Query().Get("wait_seconds"); q != "" {
		if v, err := strconv.Atoi(q); err == nil {
			req.WaitSeconds = v
		}
	}

	// The transport-level timeout is bounded by the server's own
	// WriteTimeout; cap the wait a little under that so the handler
	// always has time to write a response before the transport cuts it.
	if s.cfg.WriteTimeout > 0 {
		maxWait := int((s.cfg.WriteTimeout - 10*time.Second) / time.Second)
		if maxWait < 0 {
			maxWait = 0
		}
		if req.WaitSeconds > maxWait {
			req.WaitSeconds = maxWait
		}
	}
	result := s.session.Recv(ctx, req.WaitSeconds)
	WriteSuccess(w, map[string]string{"result": result})
}

// renameRequest is the POST /rename body.
type renameRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "httpapi.rename")
	defer span.End()

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, s.logger, http.StatusBadRequest, "invalid_request", "malformed JSON body", err)
		return
	}
	result := s.session.Rename(ctx, req.NewName)
	WriteSuccess(w, map[string]string{"result": result})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "httpapi.status")
	defer span.End()

	status := s.session.GetStatus(ctx)
	WriteSuccess(w, map[string]string{"status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]any{"ok": true, "id": s.session.ID(), "time": time.Now().UTC().Format(time.RFC3339)})
}

// logAndMeter wraps h to record HTTP request metrics and structured logs.
func (s *Server) logAndMeter(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		dur := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, rec.status, dur)
		}
		s.logger.Debug("httpapi request",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", rec.status),
			zap.Duration("duration", dur),
		)
	}
}

// statusRecorder captures the status code written by a handler, since
// http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
