package pairing

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/getsafe360/saas-app/internal/shared"
)

var errInvalidURL = shared.Validation("invalid_site_url")

// NormalizeURL validates an http(s) site URL and returns it with a lowercase
// host, no query or fragment and no trailing slash, plus its canonical host.
func NormalizeURL(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", shared.Validation("siteUrl_required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Hostname() == "" {
		return "", "", errInvalidURL
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", errInvalidURL
	}
	u.Scheme = scheme
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), CanonicalHost(u.Hostname()), nil
}

// CanonicalHost lowercases host and strips one leading "www.". Two URLs
// name the same site when their canonical hosts are equal.
func CanonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	return strings.TrimPrefix(host, "www.")
}

// HostOf returns the canonical host of a URL, or "" if it does not parse.
func HostOf(raw string) string {
	_, host, err := NormalizeURL(raw)
	if err != nil {
		return ""
	}
	return host
}

// SiteID derives the stable site id for a canonical host.
func SiteID(host string) string {
	sum := sha256.Sum256([]byte("site:" + CanonicalHost(host)))
	return hex.EncodeToString(sum[:])[:16]
}

// HashToken is the only form in which a site token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
