package api

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Response string `json:"response"`
	Text     string `json:"text"`
	Retry    bool   `json:"retry,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeOK wraps the payload in the standard OK envelope. Extra fields ride
// alongside "response".
func writeOK(w http.ResponseWriter, fields map[string]any) {
	payload := map[string]any{"response": "OK"}
	for k, v := range fields {
		payload[k] = v
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeError(w http.ResponseWriter, code int, text string) {
	writeJSON(w, code, errorResponse{Response: "ERROR", Text: text})
}

// writeRetryable marks an error outcome the client should retry later,
// e.g. an empty backlog.
func writeRetryable(w http.ResponseWriter, code int, text string) {
	writeJSON(w, code, errorResponse{Response: "ERROR", Text: text, Retry: true})
}
