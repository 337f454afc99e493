package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/shared"
)

var (
	errSubjectNotFound = shared.NewError(shared.KindNotFound, "subject_not_found", "unknown event subject")
	errStreamDisabled  = shared.Transient("event stream", errors.New("event bus not configured"))
)

const wsWriteTimeout = 10 * time.Second

// authorizeSubject admits the session owning the site, or anyone holding a
// live quick-test id.
func (s *Server) authorizeSubject(r *http.Request, subject string) error {
	if subject == "" {
		return shared.Validation("subject_required")
	}
	if s.cfg.QuickTest != nil && s.cfg.QuickTest.Live(subject) {
		return nil
	}
	owner, ok := s.owner(r)
	if !ok {
		return errNoSession
	}
	if s.cfg.Store == nil {
		return errSubjectNotFound
	}
	site, err := s.cfg.Store.GetSite(r.Context(), subject)
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && site.OwnerID != owner.ID) {
		return errSubjectNotFound
	}
	if err != nil {
		return shared.Transient("read site", err)
	}
	return nil
}

// handleEvents streams one subject's events. Nothing published before the
// subscription is replayed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if err := s.authorizeSubject(r, subject); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Bus == nil {
		s.writeError(w, r, errStreamDisabled)
		return
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.streamWebSocket(w, r, subject)
		return
	}
	s.streamSSE(w, r, subject)
}

// subscribe registers the stream and announces it. The returned func
// unsubscribes and announces the disconnect.
func (s *Server) subscribe(ctx context.Context, subject string) (*bus.Subscription, func()) {
	ctx = shared.WithSubject(ctx, subject)
	sub := s.cfg.Bus.Subscribe(subject)
	s.announce(ctx, subject, bus.StateConnecting)
	return sub, func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.announce(context.WithoutCancel(ctx), subject, bus.StateDisconnected)
	}
}

func (s *Server) announce(ctx context.Context, subject, state string) {
	if _, err := s.cfg.Bus.Publish(ctx, subject, bus.Status(state)); err != nil && !errors.Is(err, bus.ErrClosed) {
		s.logger.Warn("stream: announce failed", "subject", subject, "state", state, "error", err)
	}
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, subject string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, shared.Transient("event stream", errors.New("streaming not supported")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	logger := s.log(r).With("subject", subject, "transport", "sse")
	sub, done := s.subscribe(ctx, subject)
	defer done()
	logger.Debug("stream: client connected")

	keepAlive := time.NewTicker(s.cfg.StreamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream: client disconnected")
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-sub.C():
			if !ok {
				// Bus closed or this subscriber fell behind and was dropped.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("stream: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("stream: write failed (client disconnected?)", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request, subject string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: originPatterns(s.cfg.CORS.AllowedOrigins),
	})
	if err != nil {
		return
	}
	logger := s.log(r).With("subject", subject, "transport", "websocket")
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	sub, done := s.subscribe(ctx, subject)
	defer done()
	logger.Debug("stream: client connected")

	keepAlive := time.NewTicker(s.cfg.StreamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream: client disconnected")
			return

		case <-keepAlive.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				logger.Debug("stream: write failed", "error", err)
				return
			}
		}
	}
}

// originPatterns turns configured CORS origins into the host patterns the
// websocket library matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		if o = strings.TrimRight(o, "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}
