package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/getsafe360/saas-app/internal/blobstore"
	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/config"
	"github.com/getsafe360/saas-app/internal/engine"
	"github.com/getsafe360/saas-app/internal/gateway"
	"github.com/getsafe360/saas-app/internal/jobs"
	"github.com/getsafe360/saas-app/internal/ledger"
	"github.com/getsafe360/saas-app/internal/pairing"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/pricing"
	"github.com/getsafe360/saas-app/internal/quicktest"
	"github.com/getsafe360/saas-app/internal/ratelimit"
)

const (
	ownerKey = "session-key-owner-1"
	otherKey = "session-key-owner-2"
)

type env struct {
	ts     *httptest.Server
	store  *persistence.Store
	bus    *bus.Bus
	ledger *ledger.Ledger
	jobs   *jobs.Manager
	quick  *quicktest.Runner
}

// generousPolicies keeps the durable limiter out of the way of tests that
// are not about it.
func generousPolicies() []ratelimit.Policy {
	return []ratelimit.Policy{
		{Name: ratelimit.PairStart, Max: 100, Window: time.Minute},
		{Name: ratelimit.PairHandshake, Max: 100, Window: time.Minute},
		{Name: ratelimit.PairCheck, Max: 100, Window: time.Minute},
		{Name: ratelimit.QuickTest, Max: 100, Window: time.Minute},
	}
}

func newEnv(t *testing.T, mutate func(*gateway.Config)) *env {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	events, err := bus.New(bus.Config{})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(events.Close)

	led := ledger.New(store, pricing.NewTable(nil, 0))
	mgr := jobs.New(store, engine.Sample{}, blobstore.NewMemory(), jobs.Config{
		Events: events, Ledger: led, InstanceID: "test",
	})
	quick := quicktest.New(events, quicktest.WithTimeScale(0.2))
	t.Cleanup(quick.Close)

	cfg := gateway.Config{
		Store:     store,
		Jobs:      mgr,
		Ledger:    led,
		Pairing:   pairing.New(store, events, pairing.Config{}),
		Limiter:   ratelimit.New(store, generousPolicies(), nil, nil),
		Bus:       events,
		QuickTest: quick,
		Sessions: []config.SessionKey{
			{Key: ownerKey, OwnerID: "owner-1", TeamID: "team-1", Name: "first"},
			{Key: otherKey, OwnerID: "owner-2", TeamID: "team-2", Name: "second"},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)

	return &env{ts: ts, store: store, bus: events, ledger: led, jobs: mgr, quick: quick}
}

// call sends a JSON request and decodes a JSON object response.
func (e *env) call(t *testing.T, method, path, key string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			rdr = bytes.NewBufferString(raw)
		} else {
			b, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			rdr = bytes.NewReader(b)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp, out
}

func expectStatus(t *testing.T, resp *http.Response, body map[string]any, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d (body %v)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func expectError(t *testing.T, resp *http.Response, body map[string]any, status int, code string) {
	t.Helper()
	expectStatus(t, resp, body, status)
	if body["ok"] != false || body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body)
	}
}

// pair runs the full pairing flow over HTTP for host and returns the site
// id and the plaintext site token.
func (e *env) pair(t *testing.T, key, host string) (string, string) {
	t.Helper()
	resp, body := e.call(t, http.MethodPost, "/connect/start", key, map[string]any{"siteUrl": "https://" + host})
	expectStatus(t, resp, body, http.StatusOK)
	code, _ := body["pairCode"].(string)
	if len(code) != 6 {
		t.Fatalf("unexpected pair code %v", body)
	}
	resp, body = e.call(t, http.MethodPost, "/connect/handshake", "", map[string]any{
		"pairCode": code, "siteUrl": "https://" + host + "/", "wpVersion": "6.6", "pluginVersion": "1.0.0",
	})
	expectStatus(t, resp, body, http.StatusOK)
	siteID, _ := body["siteId"].(string)
	token, _ := body["siteToken"].(string)
	if siteID == "" || token == "" {
		t.Fatalf("unexpected handshake response %v", body)
	}
	return siteID, token
}

// runJob executes a queued job in the test goroutine.
func (e *env) runJob(t *testing.T, jobID string) *persistence.Job {
	t.Helper()
	job, err := e.jobs.Advance(context.Background(), jobID)
	if err != nil {
		t.Fatalf("advance %s: %v", jobID, err)
	}
	if !job.Status.Terminal() {
		t.Fatalf("job %s not terminal after advance: %s", jobID, job.Status)
	}
	return job
}
