package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/femtomc/mu-sub002/internal/fault"
)

// maxBodyBytes bounds request bodies. Ingress envelopes and program specs
// are small; anything larger is malformed.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error      string   `json:"error"`
	ReasonCode string   `json:"reason_code"`
	Recovery   []string `json:"recovery,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}

// writeError maps the fault taxonomy onto HTTP statuses: validation 400,
// not_found 404, conflict and precondition_failed 409, the rest 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Conflict, fault.Precondition:
		status = http.StatusConflict
	}
	body := errorBody{Error: err.Error(), ReasonCode: fault.ReasonOf(err)}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Recovery = fe.Recovery
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fault.Wrap(fault.Validation, "body_too_large", err))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "malformed_json", err))
		return false
	}
	return true
}
