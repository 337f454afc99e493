// Package gateway is the HTTP surface: dashboard routes behind session
// keys, public pairing and quick-test routes behind durable rate limits,
// and the per-subject event stream over SSE or WebSocket.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/config"
	"github.com/getsafe360/saas-app/internal/jobs"
	"github.com/getsafe360/saas-app/internal/ledger"
	"github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/pairing"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/quicktest"
	"github.com/getsafe360/saas-app/internal/ratelimit"
)

type Config struct {
	Store     *persistence.Store
	Jobs      *jobs.Manager
	Pool      *jobs.Pool
	Ledger    *ledger.Ledger
	Pairing   *pairing.Service
	Limiter   *ratelimit.Limiter
	Bus       *bus.Bus
	QuickTest *quicktest.Runner

	Sessions []config.SessionKey
	CORS     config.CORSConfig
	Throttle config.ThrottleConfig

	// MaxRequestBytes caps JSON bodies; zero means 1 MiB.
	MaxRequestBytes int64

	// TrustForwardedFor takes the client address from X-Forwarded-For.
	// Enable only behind a proxy that sets it.
	TrustForwardedFor bool

	// StreamKeepAlive is the SSE comment interval; zero means 15s.
	StreamKeepAlive time.Duration

	// ConfigFingerprint is exposed on /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg      Config
	auth     *SessionAuth
	throttle *Throttle
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(cfg Config) *Server {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	if cfg.StreamKeepAlive <= 0 {
		cfg.StreamKeepAlive = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		auth:     NewSessionAuth(cfg.Sessions),
		throttle: NewThrottle(cfg.Throttle),
		logger:   cfg.Logger,
		tracer:   otel.Tracer(cfg.Tracer),
	}
}

// Auth exposes the session table so a config reload can swap keys.
func (s *Server) Auth() *SessionAuth { return s.auth }

// Throttle exposes the in-process limiter for eviction.
func (s *Server) Throttle() *Throttle { return s.throttle }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}

	route("GET /healthz", s.handleHealthz)

	route("POST /scan", s.session(s.handleScanStart))
	route("GET /scan/status", s.session(s.handleScanStatus))
	route("GET /scan/result", s.session(s.handleScanResult))

	route("POST /fix/start", s.session(s.handleFixStart))
	route("GET /fix/status", s.session(s.handleFixStatus))
	route("POST /fix/accept", s.session(s.handleFixAccept))
	route("POST /fix/cancel", s.session(s.handleFixCancel))

	route("POST /connect/start", s.session(s.handleConnectStart))
	route("POST /connect/handshake", s.handleConnectHandshake)
	route("GET /connect/check", s.handleConnectCheck)

	route("POST /sites/ping", s.handleSitePing)
	route("GET /sites", s.session(s.handleSites))
	route("POST /sites/{id}/disconnect", s.session(s.handleSiteDisconnect))
	route("POST /sites/{id}/reconnect", s.session(s.handleSiteReconnect))
	route("GET /team/tokens", s.session(s.handleTeamTokens))

	route("POST /test/start", s.handleTestStart)
	route("GET /test/result/{testId}", s.handleTestResult)

	route("GET /events/{subject}", s.handleEvents)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = s.throttle.Wrap(h, s.clientIP)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return s.traceMiddleware(h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store != nil && s.cfg.Store.Ping(ctx) == nil
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"subscribers": 0,
	}
	if s.cfg.Bus != nil {
		payload["subscribers"] = s.cfg.Bus.SubscriberCount()
	}
	if dbOK {
		if counts, err := s.cfg.Store.JobCounts(ctx); err == nil {
			payload["jobs"] = counts
		}
	}
	if s.cfg.Pool != nil {
		payload["pool"] = s.cfg.Pool.Status()
	}
	if s.cfg.ConfigFingerprint != "" {
		payload["config_hash"] = s.cfg.ConfigFingerprint
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a JSON object body. An empty body decodes to the zero value.
func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errTooLarge
		}
		return errInvalidJSON
	}
	return nil
}

// clientIP is the rate-limit identity of an anonymous caller.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limit applies a durable policy. It writes the rejection and returns
// false when the caller must stop.
func (s *Server) limit(w http.ResponseWriter, r *http.Request, policy string, parts ...string) bool {
	if s.cfg.Limiter == nil {
		return true
	}
	if _, err := s.cfg.Limiter.Allow(r.Context(), policy, parts...); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}
