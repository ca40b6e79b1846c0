package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"custody-tracker/internal/custody"
)

type problem struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var kindStatus = map[string]int{
	"not_found":         http.StatusNotFound,
	"forbidden":         http.StatusForbidden,
	"validation_failed": http.StatusBadRequest,
	"invalid_sequence":  http.StatusConflict,
	"terminal_state":    http.StatusConflict,
	"items_outstanding": http.StatusConflict,
	"conflict":          http.StatusConflict,
}

// writeError maps a service error onto the taxonomy's HTTP status and body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := custody.Kind(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	var details map[string]any
	var verr *custody.ValidationError
	var outstanding *custody.ItemsOutstandingError
	switch {
	case errors.As(err, &verr):
		details = map[string]any{"fields": verr.Fields}
	case errors.As(err, &outstanding):
		details = map[string]any{"batch_code": outstanding.BatchCode, "items": outstanding.Items}
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		msg = "internal error"
	}
	writeProblem(w, status, kind, msg, details)
}

func writeProblem(w http.ResponseWriter, status int, kind, msg string, details map[string]any) {
	writeJSON(w, status, problem{Error: kind, Message: msg, Details: details})
}

// decode reads a JSON body, reporting malformed input as a validation error.
// An empty body decodes as an empty object.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "validation_failed", "invalid json: "+err.Error(), nil)
		return false
	}
	return true
}
