package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// authEnvelope mirrors the api package's JSON error envelope for responses
// written before a handler runs.
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

// StreamTokenValidator checks a signed stream token.
type StreamTokenValidator interface {
	Validate(token string) error
}

// StreamToken returns middleware that guards the media-stream endpoint. The
// telephony provider passes the token it was handed in the stream URL as a
// query parameter; requests without a valid token never reach the websocket
// upgrade.
func StreamToken(v StreamTokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing stream token")
				return
			}
			if err := v.Validate(token); err != nil {
				slog.Warn("rejected media stream connection",
					"error", err,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusForbidden, "invalid stream token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}
