package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/shared"
)

const maxResponseBytes = 8 << 20

// Client calls a remote analyzer over HTTP. Every response document is
// validated against ReportSchema or FixResultSchema before it is trusted.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	tracer  trace.Tracer
	report  *StructuredValidator
	fix     *StructuredValidator
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Tracer  trace.Tracer
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("engine base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	report, err := NewStructuredValidator(ReportSchema)
	if err != nil {
		return nil, fmt.Errorf("report schema: %w", err)
	}
	fix, err := NewStructuredValidator(FixResultSchema)
	if err != nil {
		return nil, fmt.Errorf("fix schema: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		tracer:  otel.Tracer(cfg.Tracer),
		report:  report,
		fix:     fix,
	}, nil
}

func (c *Client) Scan(ctx context.Context, req ScanRequest) (*Report, error) {
	req.Categories = NormalizeCategories(req.Categories)
	var report Report
	if err := c.call(ctx, "scan", req, c.report, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) Fix(ctx context.Context, req FixRequest) (*FixResult, error) {
	var result FixResult
	if err := c.call(ctx, "fix", req, c.fix, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, op string, body any, validator *StructuredValidator, out any) (err error) {
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "engine."+op, otel.AttrJobKind.String(op))
	defer func() { otel.EndSpan(span, err) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+op, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Trace-Id", shared.TraceID(ctx))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("engine %s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("engine %s: status %d: %s", op, resp.StatusCode, shared.Redact(strings.TrimSpace(string(raw))))
	}
	if err := validator.DecodeValidated(raw, out); err != nil {
		return fmt.Errorf("engine %s: %w", op, err)
	}
	return nil
}
