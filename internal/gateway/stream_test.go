package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/gateway"
	"github.com/getsafe360/saas-app/internal/quicktest"
)

type sseReader struct {
	t    *testing.T
	resp *http.Response
	rd   *bufio.Reader
}

func openSSE(t *testing.T, ctx context.Context, url string) *sseReader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	return &sseReader{t: t, resp: resp, rd: bufio.NewReader(resp.Body)}
}

// line returns the next non-empty line.
func (s *sseReader) line() string {
	s.t.Helper()
	for {
		l, err := s.rd.ReadString('\n')
		if err != nil {
			s.t.Fatalf("read stream: %v", err)
		}
		if l = strings.TrimRight(l, "\n"); l != "" {
			return l
		}
	}
}

// next returns the next data event, skipping comments.
func (s *sseReader) next() bus.Event {
	s.t.Helper()
	for {
		l := s.line()
		data, ok := strings.CutPrefix(l, "data: ")
		if !ok {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			s.t.Fatalf("decode event %q: %v", data, err)
		}
		return ev
	}
}

func TestEvents_SSEDeliversSiteEvents(t *testing.T) {
	e := newEnv(t, nil)
	siteID, _ := e.pair(t, ownerKey, "a.com")
	watcher := e.bus.Subscribe(siteID)
	defer e.bus.Unsubscribe(watcher)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := openSSE(t, ctx, e.ts.URL+"/events/"+siteID+"?api_key="+ownerKey)

	if ev := stream.next(); ev.Type != bus.TypeStatus || ev.State != bus.StateConnecting {
		t.Fatalf("expected connecting first, got %+v", ev)
	}
	if _, err := e.bus.Publish(ctx, siteID, bus.Event{Type: bus.TypeProgress, State: bus.StateInProgress, Progress: bus.Progress(40)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := stream.next()
	if ev.Type != bus.TypeProgress || ev.Progress == nil || *ev.Progress != 40 || ev.Hash == "" || ev.Revision == 0 {
		t.Fatalf("unexpected progress event %+v", ev)
	}

	// The watcher sees the connect, the progress, then the disconnect once
	// the client goes away.
	for _, want := range []string{bus.StateConnecting, bus.StateInProgress} {
		select {
		case got := <-watcher.C():
			if got.State != want {
				t.Fatalf("watcher got %+v, want state %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("watcher missing %s", want)
		}
	}
	cancel()
	select {
	case got := <-watcher.C():
		if got.State != bus.StateDisconnected {
			t.Fatalf("expected disconnected, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect announced")
	}
}

func TestEvents_Authorization(t *testing.T) {
	e := newEnv(t, nil)
	siteID, _ := e.pair(t, ownerKey, "a.com")

	resp, body := e.call(t, http.MethodGet, "/events/"+siteID, "", nil)
	expectError(t, resp, body, http.StatusUnauthorized, "unauthorized")

	resp, body = e.call(t, http.MethodGet, "/events/"+siteID, otherKey, nil)
	expectError(t, resp, body, http.StatusNotFound, "subject_not_found")

	resp, body = e.call(t, http.MethodGet, "/events/unknown-subject", ownerKey, nil)
	expectError(t, resp, body, http.StatusNotFound, "subject_not_found")
}

func TestEvents_KeepAlive(t *testing.T) {
	e := newEnv(t, func(cfg *gateway.Config) { cfg.StreamKeepAlive = 20 * time.Millisecond })
	siteID, _ := e.pair(t, ownerKey, "a.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := openSSE(t, ctx, e.ts.URL+"/events/"+siteID+"?api_key="+ownerKey)
	stream.next()
	if l := stream.line(); l != ": keep-alive" {
		t.Fatalf("expected keep-alive comment, got %q", l)
	}
}

func TestEvents_QuickTestIsAnonymous(t *testing.T) {
	e := newEnv(t, func(cfg *gateway.Config) {
		cfg.QuickTest = quicktest.New(cfg.Bus, quicktest.WithTimeScale(0.5))
		t.Cleanup(cfg.QuickTest.Close)
	})
	resp, body := e.call(t, http.MethodPost, "/test/start", "", map[string]any{"url": "example.com"})
	expectStatus(t, resp, body, http.StatusOK)
	testID, _ := body["testId"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := openSSE(t, ctx, e.ts.URL+"/events/"+testID)

	var sawCategory bool
	for {
		ev := stream.next()
		if ev.Type == bus.TypeCategory {
			sawCategory = true
		}
		if ev.Type == bus.TypeStatus && ev.State == bus.StateCompleted {
			break
		}
	}
	if !sawCategory {
		t.Fatal("expected category events before completion")
	}
}

func TestEvents_WebSocket(t *testing.T) {
	e := newEnv(t, nil)
	siteID, _ := e.pair(t, ownerKey, "a.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/events/" + siteID + "?api_key=" + ownerKey
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev bus.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read connecting: %v", err)
	}
	if ev.State != bus.StateConnecting {
		t.Fatalf("expected connecting, got %+v", ev)
	}
	connected := ev.Revision

	if _, err := e.bus.Publish(ctx, siteID, bus.Event{Type: bus.TypeRepair, State: bus.StateRepairing, Progress: bus.Progress(10)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read repair: %v", err)
	}
	if ev.Type != bus.TypeRepair || ev.Revision != connected+1 {
		t.Fatalf("unexpected repair event %+v", ev)
	}
}
