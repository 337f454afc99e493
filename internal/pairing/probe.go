package pairing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

var probePaths = []string{"/wp-json/getsafe/v1/ping", "/?rest_route=/getsafe/v1/ping"}

// Prober reports whether the connector plugin answers on a site.
type Prober interface {
	Probe(ctx context.Context, siteURL string) bool
}

// HTTPProber calls the plugin's ping route, pretty permalinks first.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p HTTPProber) Probe(ctx context.Context, siteURL string) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(siteURL, "/")
	for _, path := range probePaths {
		if probeOnce(ctx, client, timeout, base+path) {
			return true
		}
	}
	return false
}

func probeOnce(ctx context.Context, client *http.Client, timeout time.Duration, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "GetSafe360/1.0 (+connect-probe)")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return false
	}
	return body.OK
}
