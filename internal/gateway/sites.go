package gateway

import (
	"net/http"

	"github.com/getsafe360/saas-app/internal/pairing"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/ratelimit"
)

type connectStartRequest struct {
	SiteURL string `json:"siteUrl"`
}

func (s *Server) handleConnectStart(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	if !s.limit(w, r, ratelimit.PairStart, owner.ID, s.clientIP(r)) {
		return
	}
	var req connectStartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	issued, err := s.cfg.Pairing.Issue(r.Context(), owner, req.SiteURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*pairing.Issued
	}{true, issued})
}

// handleConnectHandshake is called by the plugin with the code the user
// pasted into it. The response carries the only plaintext copy of the token.
func (s *Server) handleConnectHandshake(w http.ResponseWriter, r *http.Request) {
	if !s.limit(w, r, ratelimit.PairHandshake, s.clientIP(r)) {
		return
	}
	var req pairing.RedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	redeemed, err := s.cfg.Pairing.Redeem(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*pairing.Redeemed
	}{true, redeemed})
}

func (s *Server) handleConnectCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if !s.limit(w, r, ratelimit.PairCheck, s.clientIP(r)) {
		return
	}
	res, err := s.cfg.Pairing.Check(r.Context(), r.URL.Query().Get("pairCode"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSitePing authenticates the plugin by its bearer site token.
func (s *Server) handleSitePing(w http.ResponseWriter, r *http.Request) {
	cred, err := s.cfg.Pairing.VerifySiteToken(r.Context(), bearer(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "siteId": cred.SiteID})
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.cfg.Store.ListSites(r.Context(), ownerOf(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sites == nil {
		sites = []persistence.Site{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sites": sites})
}

func (s *Server) handleSiteDisconnect(w http.ResponseWriter, r *http.Request) {
	site, err := s.cfg.Pairing.Disconnect(r.Context(), ownerOf(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "siteId": site.ID, "status": site.Status})
}

func (s *Server) handleSiteReconnect(w http.ResponseWriter, r *http.Request) {
	site, err := s.cfg.Pairing.Reconnect(r.Context(), ownerOf(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "siteId": site.ID, "status": site.Status})
}
