package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON body of 400, 401 and 503 replies.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// RateLimitBody is the JSON body of a 429 reply.
type RateLimitBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	Limit      int    `json:"limit"`
	ResetTime  string `json:"resetTime"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
