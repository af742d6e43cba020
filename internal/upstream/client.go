// Package upstream builds the OpenAI-compatible client used by the agent,
// with the compat middleware and request logging composed in.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/n0madic/go-cfst-extractor/internal/compat"
	"github.com/n0madic/go-cfst-extractor/internal/config"
	"github.com/n0madic/go-cfst-extractor/internal/metrics"
)

// Options carries the collaborators NewClient wires into the client.
type Options struct {
	Version string
	Metrics *metrics.Metrics
	// HTTPClient replaces the default client built from the config; its
	// timeout and transport are used as-is.
	HTTPClient *http.Client
	// DumpWriter receives request/response dumps when cfg.Debug is set.
	// Defaults to stderr.
	DumpWriter io.Writer
}

// NewClient returns an openai.Client for cfg with the compat middleware
// built from flags. Middlewares run in order: compat rewrite, then logging,
// so the logged request is what goes on the wire.
func NewClient(cfg *config.Config, flags compat.Flags, opts Options) openai.Client {
	mw := compat.New(flags,
		compat.WithReporter(compat.MultiReporter{compat.LogReporter{}, opts.Metrics}),
		compat.WithOutcomeHook(opts.Metrics.ObserveCompat),
	)

	dump := opts.DumpWriter
	if dump == nil {
		dump = os.Stderr
	}
	obs := &observer{debug: cfg.Debug, metrics: opts.Metrics, dump: &dumper{w: dump}}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient(cfg, opts.HTTPClient)),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithHeader("User-Agent", config.UserAgent(opts.Version)),
		option.WithMiddleware(mw.Handle, obs.handle),
	}
	for key, value := range cfg.ExtraBody {
		reqOpts = append(reqOpts, option.WithJSONSet(key, value))
	}

	slog.Debug("upstream.client",
		"base_url", cfg.BaseURL,
		"platform", cfg.Platform,
		"compat", flags.String(),
		"oauth2", cfg.OAuth2.Enabled(),
		"extra_body_fields", len(cfg.ExtraBody),
	)
	return openai.NewClient(reqOpts...)
}

// httpClient returns base or a client with the configured timeout, wrapped
// with OAuth2 client credentials when configured.
func httpClient(cfg *config.Config, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if !cfg.OAuth2.Enabled() {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.OAuth2.ClientID,
		ClientSecret: cfg.OAuth2.ClientSecret,
		TokenURL:     cfg.OAuth2.TokenURL,
		Scopes:       cfg.OAuth2.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	return client
}

type observer struct {
	debug   bool
	metrics *metrics.Metrics
	dump    *dumper
}

func (o *observer) handle(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	if o.debug {
		body := peekBody(req)
		slog.Info("upstream.request",
			"method", req.Method,
			"path", req.URL.Path,
			"model", gjson.GetBytes(body, "model").String(),
			"messages", gjson.GetBytes(body, "messages.#").Int(),
			"tools", gjson.GetBytes(body, "tools.#").Int(),
			"tool_choice", summarizeToolChoice(gjson.GetBytes(body, "tool_choice")),
			"content_length", req.ContentLength,
		)
		o.dump.block(fmt.Sprintf("UPSTREAM REQUEST %s %s", req.Method, req.URL.Path), body)
	}

	start := time.Now()
	resp, err := next(req)
	elapsed := time.Since(start)
	if err != nil {
		o.metrics.ObserveUpstream(0, elapsed)
		slog.Warn("upstream.error", "path", req.URL.Path, "duration_ms", elapsed.Milliseconds(), "error", err)
		return resp, err
	}
	o.metrics.ObserveUpstream(resp.StatusCode, elapsed)

	attrs := []any{"status", resp.StatusCode, "duration_ms", elapsed.Milliseconds()}
	if requestID := upstreamRequestID(resp.Header); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	limits := ParseRateLimits(resp.Header)
	attrs = append(attrs, limits.attrs()...)
	switch {
	case resp.StatusCode >= 400 || limits.Exhausted():
		slog.Warn("upstream.response", attrs...)
	case o.debug:
		slog.Info("upstream.response", attrs...)
	}
	if o.debug {
		o.dump.response(resp)
	}
	return resp, nil
}

func peekBody(req *http.Request) []byte {
	if req.GetBody == nil {
		return nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return data
}

func summarizeToolChoice(choice gjson.Result) string {
	switch {
	case !choice.Exists():
		return "auto"
	case choice.Type == gjson.String:
		if v := strings.TrimSpace(choice.Str); v != "" {
			return v
		}
		return "auto"
	case choice.IsObject():
		kind := choice.Get("type").String()
		if name := choice.Get("function.name").String(); name != "" {
			if kind != "" {
				return kind + ":" + name
			}
			return "function:" + name
		}
		if kind != "" {
			return kind
		}
		return "object"
	default:
		return choice.Type.String()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func upstreamRequestID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	return firstNonEmpty(
		headers.Get("x-request-id"),
		headers.Get("x-openai-request-id"),
		headers.Get("openai-request-id"),
		headers.Get("request-id"),
		headers.Get("cf-ray"),
	)
}
