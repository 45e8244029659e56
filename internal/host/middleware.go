package host

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/auxothq/toolhost/pkg/auth"
	"github.com/auxothq/toolhost/pkg/store"
)

// authHeader carries the caller's token on every /tool/* request.
const authHeader = "authtoken"

// requireAuth accepts either the operator auth token or a live access token
// previously issued to a tool through getAccessToken.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(authHeader))
		if token == "" && r.URL.Path == "/tool/runws" {
			// Browsers cannot set headers on a WebSocket handshake.
			token = r.URL.Query().Get(authHeader)
		}
		if token == "" {
			writeErrorJSON(w, http.StatusUnauthorized, "missing authtoken header")
			return
		}

		if prefix, _ := auth.ValidateKeyPrefix(token); prefix == auth.PrefixAccessToken {
			if _, err := s.tokens.Lookup(r.Context(), token); err != nil {
				if !errors.Is(err, store.ErrTokenNotFound) {
					s.logger.Error("access token lookup failed", "error", err)
				}
				writeErrorJSON(w, http.StatusUnauthorized, "invalid authtoken")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		ok, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.Error("auth token verification failed", "error", err)
		}
		if !ok {
			writeErrorJSON(w, http.StatusUnauthorized, "invalid authtoken")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanics keeps a handler panic from taking the process down.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error("handler panicked",
					"path", r.URL.Path,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				writeErrorJSON(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
