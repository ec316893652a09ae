package frontend

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
)

// CORSConfig is one layer's [<map-name>] CORS setting: either the literal
// wildcard or a substring allowlist the request Origin is checked
// against.
type CORSConfig struct {
	// Wildcard, if true, echoes "*" for every Origin.
	Wildcard bool
	// Allowlist is a set of substrings; an Origin matches if it contains
	// any entry.
	Allowlist []string
}

// ParseCORSConfig interprets a renderd INI CORS value: "*" selects the
// wildcard, a comma-separated list selects substring matching, and an
// empty value disables CORS entirely (handler returns nil).
func ParseCORSConfig(value string) *CORSConfig {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if value == "*" {
		return &CORSConfig{Wildcard: true}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return &CORSConfig{Allowlist: out}
}

// handler builds the rs/cors middleware for this policy. MaxAge is fixed
// at 604800 seconds (one week).
func (c *CORSConfig) handler() *cors.Cors {
	if c == nil {
		return nil
	}
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         604800,
	}
	if c.Wildcard {
		opts.AllowedOrigins = []string{"*"}
	} else {
		allowlist := c.Allowlist
		opts.AllowOriginFunc = func(origin string) bool {
			for _, substr := range allowlist {
				if strings.Contains(origin, substr) {
					return true
				}
			}
			return false
		}
	}
	return cors.New(opts)
}

// wrap applies this CORS policy to next, or returns next unchanged if c
// is nil (no CORS configured for the layer).
func (c *CORSConfig) wrap(next http.Handler) http.Handler {
	h := c.handler()
	if h == nil {
		return next
	}
	return h.Handler(next)
}
