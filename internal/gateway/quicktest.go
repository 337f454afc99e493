package gateway

import (
	"net/http"

	"github.com/getsafe360/saas-app/internal/quicktest"
	"github.com/getsafe360/saas-app/internal/ratelimit"
	"github.com/getsafe360/saas-app/internal/shared"
)

var errTestNotFound = shared.NewError(shared.KindNotFound, "test_not_found", "test result not found")

type testStartRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.QuickTest == nil {
		s.writeError(w, r, errTestNotFound)
		return
	}
	if !s.limit(w, r, ratelimit.QuickTest, s.clientIP(r)) {
		return
	}
	var req testStartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.cfg.QuickTest.Start(req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "testId": id})
}

func (s *Server) handleTestResult(w http.ResponseWriter, r *http.Request) {
	var (
		res quicktest.Result
		ok  bool
	)
	if s.cfg.QuickTest != nil {
		res, ok = s.cfg.QuickTest.Result(r.PathValue("testId"))
	}
	if !ok {
		s.writeError(w, r, errTestNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		quicktest.Result
	}{true, res})
}
