package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/getsafe360/saas-app/internal/config"
	"github.com/getsafe360/saas-app/internal/shared"
)

// SessionAuth resolves dashboard session keys to owners.
type SessionAuth struct {
	mu   sync.RWMutex
	keys map[string]shared.Owner
}

func NewSessionAuth(sessions []config.SessionKey) *SessionAuth {
	a := &SessionAuth{}
	a.Replace(sessions)
	return a
}

// Replace swaps the key table, used on config reload.
func (a *SessionAuth) Replace(sessions []config.SessionKey) {
	keys := make(map[string]shared.Owner, len(sessions))
	for _, s := range sessions {
		if s.Key == "" || s.OwnerID == "" {
			continue
		}
		keys[s.Key] = shared.Owner{ID: s.OwnerID, TeamID: s.TeamID, Name: s.Name}
	}
	a.mu.Lock()
	a.keys = keys
	a.mu.Unlock()
}

// Lookup uses constant-time comparison against every configured key.
func (a *SessionAuth) Lookup(candidate string) (shared.Owner, bool) {
	if candidate == "" {
		return shared.Owner{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	var (
		found shared.Owner
		ok    bool
	)
	for k, owner := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			found, ok = owner, true
		}
	}
	return found, ok
}

// ExtractAPIKey extracts a session key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	if token := bearer(r); token != "" {
		return token
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// EventSource cannot set headers.
	return r.URL.Query().Get("api_key")
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// owner resolves the session on r without rejecting anonymous callers.
func (s *Server) owner(r *http.Request) (shared.Owner, bool) {
	if o, ok := shared.OwnerFrom(r.Context()); ok {
		return o, true
	}
	return s.auth.Lookup(ExtractAPIKey(r))
}

// session rejects requests without a known session key and attaches the
// owner to the request context.
func (s *Server) session(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := s.owner(r)
		if !ok {
			s.writeError(w, r, errNoSession)
			return
		}
		next(w, r.WithContext(shared.WithOwner(r.Context(), owner)))
	}
}

func ownerOf(r *http.Request) shared.Owner {
	o, _ := shared.OwnerFrom(r.Context())
	return o
}
