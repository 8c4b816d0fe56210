// Package httpapi exposes agentpool.Session's four operations over HTTP,
// for an out-of-process operator view alongside the in-process tool-call
// surface. Purely additive: nothing here is required to use a Session
// directly.
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Response is the envelope every endpoint returns: exactly one of Data or
// Error is set.
type Response struct {
	Data  any        `json:"data,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes status and data as a JSON body, best-effort.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 envelope wrapping data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Data: data})
}

// WriteError logs err and writes a status envelope carrying code/message.
func WriteError(w http.ResponseWriter, logger *zap.Logger, status int, code, message string, err error) {
	if logger != nil {
		logger.Warn("httpapi request failed",
			zap.Int("status", status),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	WriteJSON(w, status, Response{Error: &ErrorInfo{Code: code, Message: message}})
}
