// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// ActionObserver records the outcome of dose actions
type ActionObserver interface {
	ObserveAction(action string, d time.Duration, err error)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string     `json:"error"`
	Kind      dose.Kind  `json:"kind,omitempty"`
	RelatedID string     `json:"related_id,omitempty"`
	Boundary  *time.Time `json:"boundary,omitempty"`
	Details   []string   `json:"details,omitempty"`
}

// StatusFor maps an engine error kind to an HTTP status
func StatusFor(err error) int {
	switch dose.KindOf(err) {
	case dose.KindValidation:
		return http.StatusBadRequest
	case dose.KindConflict, dose.KindUndoWindowExpired:
		return http.StatusConflict
	case dose.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message, Kind: dose.KindValidation})
}

// writeError renders err. Internal failures are logged and hidden.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := StatusFor(err)
	var e *dose.Error
	if !errors.As(err, &e) || code == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "internal error",
			Kind:  dose.KindOf(err),
		})
		return
	}

	resp := ErrorResponse{
		Error:     e.Message,
		Kind:      e.Kind,
		RelatedID: e.RelatedID,
		Boundary:  e.Boundary,
	}
	if resp.Error == "" {
		resp.Error = string(e.Kind)
	}
	if joined, ok := e.Err.(interface{ Unwrap() []error }); ok {
		for _, p := range joined.Unwrap() {
			resp.Details = append(resp.Details, p.Error())
		}
	}
	writeJSON(w, code, resp)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
