package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const smokeKey = "smoke-session-key"

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func writeSmokeConfig(t *testing.T, home, addr string) {
	t.Helper()
	cfg := fmt.Sprintf(`bind_addr: %q
log_level: debug
sessions:
  - key: %s
    owner_id: owner-1
    team_id: team-1
pairing:
  probe_plugin: false
throttle:
  enabled: false
`, addr, smokeKey)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

type daemon struct {
	cmd     *exec.Cmd
	stopped bool
	out     *bytes.Buffer
	base    string
	done    chan error
}

func startDaemon(t *testing.T, bin, home, addr string) *daemon {
	t.Helper()
	cmd := exec.Command(bin, "--home", home, "serve")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	d := &daemon{cmd: cmd, out: &out, base: "http://" + addr, done: make(chan error, 1)}
	go func() { d.done <- cmd.Wait() }()
	t.Cleanup(func() { d.stop(t) })

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(d.base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return d
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("daemon did not become healthy\noutput=%s", out.String())
	return nil
}

// stop interrupts the daemon and waits for it to exit.
func (d *daemon) stop(t *testing.T) {
	t.Helper()
	if d.stopped {
		return
	}
	d.stopped = true
	_ = d.cmd.Process.Signal(os.Interrupt)
	select {
	case <-d.done:
	case <-time.After(15 * time.Second):
		_ = d.cmd.Process.Kill()
		<-d.done
		t.Fatalf("daemon did not exit after signal\noutput=%s", d.out.String())
	}
}

func (d *daemon) call(t *testing.T, method, path, key string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, d.base+path, rd)
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
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (d *daemon) mustOK(t *testing.T, method, path, key string, body any) map[string]any {
	t.Helper()
	code, out := d.call(t, method, path, key, body)
	if code != http.StatusOK {
		t.Fatalf("%s %s: expected 200, got %d %v", method, path, code, out)
	}
	return out
}

// waitDone polls a job status route until the pool finishes the job.
func (d *daemon) waitDone(t *testing.T, route, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		out := d.mustOK(t, http.MethodGet, route+"?id="+jobID, smokeKey, nil)
		switch out["status"] {
		case "done":
			return out
		case "error":
			t.Fatalf("job %s failed: %v", jobID, out)
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish\noutput=%s", jobID, d.out.String())
	return nil
}

func TestSmoke_PairScanFixAccept(t *testing.T) {
	bin := buildServerBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	writeSmokeConfig(t, home, addr)

	if out, err := exec.Command(bin, "--home", home, "tokens", "grant", "team-1", "5000").CombinedOutput(); err != nil {
		t.Fatalf("grant tokens: %v\n%s", err, out)
	}

	d := startDaemon(t, bin, home, addr)

	start := d.mustOK(t, http.MethodPost, "/connect/start", smokeKey, map[string]any{"siteUrl": "https://shop.example.com"})
	code, _ := start["pairCode"].(string)
	redeemed := d.mustOK(t, http.MethodPost, "/connect/handshake", "", map[string]any{
		"pairCode": code,
		"siteUrl":  "https://shop.example.com/",
	})
	siteID, _ := redeemed["siteId"].(string)
	siteToken, _ := redeemed["siteToken"].(string)
	if siteID == "" || siteToken == "" {
		t.Fatalf("handshake returned no credentials: %v", redeemed)
	}
	d.mustOK(t, http.MethodPost, "/sites/ping", siteToken, nil)

	scan := d.mustOK(t, http.MethodPost, "/scan", smokeKey, map[string]any{"siteId": siteID})
	scanID, _ := scan["jobId"].(string)
	d.waitDone(t, "/scan/status", scanID)

	result := d.mustOK(t, http.MethodGet, "/scan/result?id="+scanID, smokeKey, nil)
	report, _ := result["report"].(map[string]any)
	if issues, _ := report["issues"].([]any); len(issues) == 0 {
		t.Fatalf("expected issues in report: %v", result)
	}

	fix := d.mustOK(t, http.MethodPost, "/fix/start", smokeKey, map[string]any{
		"siteId":   siteID,
		"issueIds": []string{"seo-meta-desc"},
	})
	fixID, _ := fix["fixJobId"].(string)
	if fix["estTokens"] != float64(700) {
		t.Fatalf("unexpected estimate %v", fix)
	}
	d.waitDone(t, "/fix/status", fixID)

	accepted := d.mustOK(t, http.MethodPost, "/fix/accept", smokeKey, map[string]any{"jobId": fixID})
	if accepted["remainingTokens"] != float64(4300) {
		t.Fatalf("unexpected remaining tokens %v", accepted)
	}
	if balance := d.mustOK(t, http.MethodGet, "/team/tokens", smokeKey, nil); balance["tokens"] != float64(4300) {
		t.Fatalf("unexpected balance %v", balance)
	}

	d.stop(t)
	if !strings.Contains(d.out.String(), "shutdown complete") {
		t.Fatalf("expected graceful shutdown\noutput=%s", d.out.String())
	}
}

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	bin := buildServerBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	writeSmokeConfig(t, home, addr)

	d := startDaemon(t, bin, home, addr)
	d.stop(t)

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"config_loaded",
		"schema_migrated",
		"workers_started",
		"listener_bound",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\noutput=%s", phase, d.out.String())
		}
	}
	for i := 1; i < len(required); i++ {
		prev, cur := required[i-1], required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildServerBinary(t)
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("pairing:\n  allowed_site_host_regex: \"(\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := exec.Command(bin, "--home", home, "serve").CombinedOutput()
	if err == nil {
		t.Fatalf("expected startup failure\noutput=%s", out)
	}
	if !strings.Contains(string(out), `"reason_code":"E_CONFIG_LOAD"`) {
		t.Fatalf("expected E_CONFIG_LOAD reason code\noutput=%s", out)
	}
}
