package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/getsafe360/saas-app/internal/config"
	"github.com/getsafe360/saas-app/internal/ledger"
	"github.com/getsafe360/saas-app/internal/persistence"
)

// runCLI executes the root command with args and returns stdout and stderr.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestCommandPresence(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{
		{"serve"}, {"migrate"}, {"doctor"}, {"status"}, {"version"},
		{"tokens", "grant"}, {"tokens", "balance"}, {"tokens", "deduct"}, {"pair", "issue"}, {"jobs", "status"},
	} {
		sub, _, err := root.Find(path)
		if err != nil || sub == nil {
			t.Fatalf("command %v missing: %v", path, err)
		}
		if sub.Name() != path[len(path)-1] {
			t.Fatalf("found %q for %v", sub.Name(), path)
		}
	}
	if root.PersistentFlags().Lookup("home") == nil || root.PersistentFlags().Lookup("json") == nil {
		t.Fatal("expected --home and --json persistent flags")
	}
}

func TestVersion(t *testing.T) {
	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "getsafed "+Version+"\n" {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestMigrate(t *testing.T) {
	home := t.TempDir()
	out, _, err := runCLI(t, "--home", home, "--json", "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var got struct {
		DB       string `json:"db"`
		Version  int    `json:"version"`
		Checksum string `json:"checksum"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Version < 1 || got.Checksum == "" || got.DB != filepath.Join(home, "getsafe.db") {
		t.Fatalf("unexpected migrate output %+v", got)
	}
}

func TestTokens_GrantThenBalance(t *testing.T) {
	home := t.TempDir()

	out, _, err := runCLI(t, "--home", home, "tokens", "balance", "team-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if out != "team-1: 0 tokens\n" {
		t.Fatalf("unexpected balance %q", out)
	}

	if _, _, err := runCLI(t, "--home", home, "tokens", "grant", "team-1", "1500"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	out, _, err = runCLI(t, "--home", home, "--json", "tokens", "grant", "team-1", "500")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	var got struct {
		TeamID string `json:"teamId"`
		Tokens int64  `json:"tokens"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.TeamID != "team-1" || got.Tokens != 2000 {
		t.Fatalf("unexpected grant output %+v", got)
	}

	// Grants are audited to the JSONL trail.
	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil || !strings.Contains(string(data), "tokens.grant") {
		t.Fatalf("expected audited grant, got %q (%v)", data, err)
	}
}

func TestTokens_DeductChargesOnlyWhenCovered(t *testing.T) {
	home := t.TempDir()
	if _, _, err := runCLI(t, "--home", home, "tokens", "grant", "team-1", "1000"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	out, _, err := runCLI(t, "--home", home, "tokens", "deduct", "team-1", "700")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if out != "team-1: 300 tokens\n" {
		t.Fatalf("unexpected deduct output %q", out)
	}

	_, _, err = runCLI(t, "--home", home, "tokens", "deduct", "team-1", "301")
	if !errors.Is(err, ledger.ErrInsufficientTokens) {
		t.Fatalf("expected insufficient tokens, got %v", err)
	}
	out, _, err = runCLI(t, "--home", home, "tokens", "balance", "team-1")
	if err != nil || out != "team-1: 300 tokens\n" {
		t.Fatalf("refused deduct must not change the balance: %q (%v)", out, err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil || !strings.Contains(string(data), "tokens.deduct") {
		t.Fatalf("expected audited deduct, got %q (%v)", data, err)
	}
}

func TestTokens_GrantRejectsBadAmount(t *testing.T) {
	home := t.TempDir()
	for _, amount := range []string{"0", "-5", "lots"} {
		if _, _, err := runCLI(t, "--home", home, "tokens", "grant", "team-1", amount); err == nil {
			t.Fatalf("amount %q should be rejected", amount)
		}
	}
	if _, _, err := runCLI(t, "--home", home, "tokens", "grant", "team-1"); err == nil {
		t.Fatal("missing amount should be rejected")
	}
}

func TestPairIssue(t *testing.T) {
	home := t.TempDir()
	out, _, err := runCLI(t, "--home", home, "--json", "pair", "issue", "https://WWW.Example.com/", "--owner", "owner-1", "--team", "team-1")
	if err != nil {
		t.Fatalf("pair issue: %v", err)
	}
	var got struct {
		Code            string `json:"pairCode"`
		RecordedSiteURL string `json:"recordedSiteUrl"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got.Code) != 6 || got.RecordedSiteURL != "https://www.example.com" {
		t.Fatalf("unexpected issue output %+v", got)
	}

	if _, _, err := runCLI(t, "--home", home, "pair", "issue", "https://example.com"); err == nil {
		t.Fatal("--owner should be required")
	}
	if _, _, err := runCLI(t, "--home", home, "pair", "issue", "ftp://example.com", "--owner", "o"); err == nil {
		t.Fatal("non-http url should be rejected")
	}
}

func TestJobsStatus(t *testing.T) {
	home := t.TempDir()
	out, _, err := runCLI(t, "--home", home, "jobs", "status")
	if err != nil {
		t.Fatalf("jobs status: %v", err)
	}
	if out != "queued=0 running=0 done=0 error=0\n" {
		t.Fatalf("unexpected counts %q", out)
	}

	_, _, err = runCLI(t, "--home", home, "jobs", "status", "no-such-job")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDoctor_FreshHomeIsHealthy(t *testing.T) {
	home := t.TempDir()
	out, _, err := runCLI(t, "--home", home, "--json", "doctor")
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	var diag struct {
		System struct {
			Version string `json:"version"`
		} `json:"system"`
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if diag.System.Version != Version || len(diag.Results) == 0 {
		t.Fatalf("unexpected diagnosis %+v", diag)
	}
}

func TestDoctor_TextOutput(t *testing.T) {
	home := t.TempDir()
	out, _, err := runCLI(t, "--home", home, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !strings.Contains(out, "GetSafe Doctor Report") || !strings.Contains(out, "Database") {
		t.Fatalf("unexpected report %q", out)
	}
}

func TestServe_BadConfigFailsStartup(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "blob_compression: lz4\n")

	_, stderr, err := runCLI(t, "--home", home, "serve")
	if exitCode(err) != 1 {
		t.Fatalf("expected exit 1, got %v", err)
	}
	if !strings.Contains(stderr, `"reason_code":"E_CONFIG_LOAD"`) {
		t.Fatalf("expected structured startup failure, got %q", stderr)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsBootstrap {
		t.Fatal("fresh home should need bootstrap")
	}
	if err := writeDefaultConfig(cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.NeedsBootstrap || again.BindAddr != cfg.BindAddr || again.WorkerCount != cfg.WorkerCount {
		t.Fatalf("written defaults did not round trip: %+v", again)
	}
}

func TestPortOccupantHint(t *testing.T) {
	if got := portOccupantHint("127.0.0.1:8360"); !strings.Contains(got, "Port 8360") {
		t.Fatalf("unexpected hint %q", got)
	}
	if got := portOccupantHint("garbage"); !strings.Contains(got, "garbage") {
		t.Fatalf("unexpected hint %q", got)
	}
}
