package util

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalises a backend URL for registry deduplication:
// lowercase scheme and host, default ports stripped (80 for http, 443 for
// https), trailing slashes stripped from the path. Idempotent by
// construction - normalising an already-normal URL is a no-op.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute with scheme and host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	switch {
	case port == "80" && u.Scheme == "http":
		port = ""
	case port == "443" && u.Scheme == "https":
		port = ""
	}

	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""

	return u.String(), nil
}
