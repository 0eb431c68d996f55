package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shineum/mailrelay/internal/email"
	"github.com/shineum/mailrelay/internal/provider"
)

// response is the body of every API reply.
type response struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
}

// respondJSON writes a JSON response with the given status code and data.
// If data is nil, only the status code and Content-Type header are written.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respond writes the standard envelope.
func respond(w http.ResponseWriter, status int, message string, data any) {
	respondJSON(w, status, response{StatusCode: status, Message: message, Data: data})
}

// respondError writes the standard envelope without data.
func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, message, nil)
}

// respondResult writes a provider result, mapping failures by their cause.
func respondResult(w http.ResponseWriter, res email.SendResult) {
	if res.Success {
		respond(w, http.StatusOK, res.Message, res.Data)
		return
	}
	respondError(w, statusFor(res.Err), res.Message)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrValidation), errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrConfigMissing):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body of at most maxBodyBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
