package api

import (
	"encoding/json"
	"net/http"

	"grimm.is/egress/internal/engine"
	"grimm.is/egress/internal/services"
)

// StatusResponse is the full system snapshot served on /api/v1/status.
// Service states come from live probes, not cached engine memory, so a
// service that died outside our control is visible immediately.
type StatusResponse struct {
	Mode           string                     `json:"mode"`
	PreviousMode   string                     `json:"previous_mode"`
	InFlight       *engine.TransitionRequest  `json:"in_flight,omitempty"`
	RollbackFailed bool                       `json:"rollback_failed"`
	LastError      string                     `json:"last_error,omitempty"`
	Services       map[string]services.Status `json:"services"`
	Version        string                     `json:"version"`
}

// ModeResponse describes one registered mode.
type ModeResponse struct {
	Name         string   `json:"name"`
	Ruleset      string   `json:"ruleset"`
	DNSTarget    string   `json:"dns_target"`
	DNSSEC       string   `json:"dnssec"`
	RequiredUp   []string `json:"required_up,omitempty"`
	RequiredDown []string `json:"required_down,omitempty"`
	Active       bool     `json:"active"`
}

// TransitionResponse reports the outcome of a mode switch request.
type TransitionResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

// ErrorResponse is the standard API error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Details string `json:"details,omitempty"`
}

// WriteJSON sends a JSON success response.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// WriteError sends a JSON error response.
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	WriteJSON(w, code, resp)
}
