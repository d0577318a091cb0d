package origin

import (
	"fmt"
	"net/http"
)

// Allowlist evaluates browser Origin headers for WebSocket upgrades and API
// requests. Entries come from configuration and are normalized once at
// construction so later comparisons are exact string matches.
type Allowlist struct {
	allowed []string
}

func NewAllowlist(entries []string) (*Allowlist, error) {
	normalized := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry == "*" {
			normalized = append(normalized, entry)
			continue
		}
		n, _, ok := NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q", entry)
		}
		normalized = append(normalized, n)
	}
	return &Allowlist{allowed: normalized}, nil
}

// CheckRequest applies the allowlist to an HTTP request. Requests without an
// Origin header pass: they come from non-browser clients that are not subject
// to the browser same-origin model.
func (a *Allowlist) CheckRequest(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalizedOrigin, originHost, ok := NormalizeHeader(header)
	if !ok {
		return false
	}
	return IsAllowed(normalizedOrigin, originHost, r.Host, a.allowed)
}
