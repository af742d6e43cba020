package upstream

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitWindow is one budget reported by an OpenAI-compatible backend.
type RateLimitWindow struct {
	Limit     int
	Remaining int
	// ResetsIn is zero when the backend did not say.
	ResetsIn time.Duration
}

// RateLimits holds the request and token budgets from response headers.
type RateLimits struct {
	Requests *RateLimitWindow
	Tokens   *RateLimitWindow
}

// ParseRateLimits reads the x-ratelimit-* headers. It returns nil when the
// backend sent none.
func ParseRateLimits(headers http.Header) *RateLimits {
	if headers == nil {
		return nil
	}
	requests := parseWindow(headers, "requests")
	tokens := parseWindow(headers, "tokens")
	if requests == nil && tokens == nil {
		return nil
	}
	return &RateLimits{Requests: requests, Tokens: tokens}
}

// Exhausted reports whether either budget has nothing left.
func (r *RateLimits) Exhausted() bool {
	if r == nil {
		return false
	}
	return (r.Requests != nil && r.Requests.Remaining <= 0) || (r.Tokens != nil && r.Tokens.Remaining <= 0)
}

// attrs renders the limits as slog key/value pairs.
func (r *RateLimits) attrs() []any {
	if r == nil {
		return nil
	}
	var out []any
	if w := r.Requests; w != nil {
		out = append(out, "ratelimit_requests_remaining", w.Remaining, "ratelimit_requests_reset", w.ResetsIn)
	}
	if w := r.Tokens; w != nil {
		out = append(out, "ratelimit_tokens_remaining", w.Remaining, "ratelimit_tokens_reset", w.ResetsIn)
	}
	return out
}

func parseWindow(headers http.Header, kind string) *RateLimitWindow {
	remaining, err := strconv.Atoi(strings.TrimSpace(headers.Get("x-ratelimit-remaining-" + kind)))
	if err != nil {
		return nil
	}
	w := &RateLimitWindow{Remaining: remaining}
	if v, err := strconv.Atoi(strings.TrimSpace(headers.Get("x-ratelimit-limit-" + kind))); err == nil {
		w.Limit = v
	}
	w.ResetsIn = parseReset(headers.Get("x-ratelimit-reset-" + kind))
	return w
}

// parseReset accepts Go-style durations ("6m0s", "250ms") and plain seconds.
func parseReset(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
