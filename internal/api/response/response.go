// Package response writes the JSON envelopes used by every API route.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type envelope struct {
	Data any `json:"data"`
}

type listEnvelope struct {
	Data any      `json:"data"`
	Meta ListMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ListMeta describes an unpaginated listing.
type ListMeta struct {
	Count int `json:"count"`
	Limit int `json:"limit,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// List writes data with a count. Limit is omitted when zero.
func List(w http.ResponseWriter, data any, count, limit int) {
	writeJSON(w, http.StatusOK, listEnvelope{Data: data, Meta: ListMeta{Count: count, Limit: limit}})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "status", status, "error", err)
	}
}
