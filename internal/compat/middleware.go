// Package compat rewrites outbound chat-completion requests so one OpenAI
// client can talk to backends with different JSON-Schema dialects.
//
// A Middleware is built once from resolved Flags and composed into the HTTP
// client, either as an openai-go middleware (Handle) or as a RoundTripper. It
// holds no mutable state and is safe for concurrent use. Any failure while
// rewriting leaves the request exactly as it was.
package compat

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3/option"

	"github.com/n0madic/go-cfst-extractor/internal/jsonv"
)

// DefaultEndpointSuffix is the URL path suffix of requests eligible for rewriting.
const DefaultEndpointSuffix = "/chat/completions"

// ErrNotObject is returned by TransformBody when the payload is valid JSON
// but not an object.
var ErrNotObject = errors.New("compat: body is not a JSON object")

var (
	markerDefs  = []byte(`"$defs"`)
	markerModel = []byte(`"model"`)
)

// Middleware applies the enabled compatibility stages to outbound requests.
type Middleware struct {
	flags     Flags
	suffix    string
	parse     func([]byte) (jsonv.Value, error)
	reporter  Reporter
	onOutcome func(Outcome)
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithReporter sets the diagnostics sink. The default logs through slog.
func WithReporter(r Reporter) Option {
	return func(m *Middleware) {
		if r != nil {
			m.reporter = r
		}
	}
}

// WithParser replaces the body parser.
func WithParser(parse func([]byte) (jsonv.Value, error)) Option {
	return func(m *Middleware) {
		if parse != nil {
			m.parse = parse
		}
	}
}

// WithEndpointSuffix changes the path suffix that selects eligible requests.
func WithEndpointSuffix(suffix string) Option {
	return func(m *Middleware) {
		if suffix != "" {
			m.suffix = suffix
		}
	}
}

// WithOutcomeHook registers a callback invoked once per request with what the
// middleware did.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(m *Middleware) { m.onOutcome = fn }
}

// New returns a Middleware for flags.
func New(flags Flags, opts ...Option) *Middleware {
	m := &Middleware{
		flags:    flags,
		suffix:   DefaultEndpointSuffix,
		parse:    jsonv.Parse,
		reporter: LogReporter{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Flags returns the flags the middleware was built with.
func (m *Middleware) Flags() Flags { return m.flags }

// ShouldTransform applies the cheap gates: the path must end with the
// chat-completions suffix and the raw body must mention "$defs" or "model".
func (m *Middleware) ShouldTransform(req *http.Request, body []byte) bool {
	if !m.matchesEndpoint(req) {
		return false
	}
	return bytes.Contains(body, markerDefs) || bytes.Contains(body, markerModel)
}

func (m *Middleware) matchesEndpoint(req *http.Request) bool {
	return req != nil && req.URL != nil && strings.HasSuffix(req.URL.Path, m.suffix)
}

// Transform returns req itself when nothing changes, or a rebuilt copy with
// the rewritten body. It never fails: parse errors are reported and the
// original payload is forwarded. req is never modified; when it has no
// GetBody its drained body travels on in a copy.
func (m *Middleware) Transform(req *http.Request) *http.Request {
	if !m.flags.Any() || !m.matchesEndpoint(req) {
		m.outcome(OutcomePassthrough)
		return req
	}
	req, body, err := readBody(req)
	if err != nil {
		m.report(Event{Kind: KindParseFailure, Stage: StageParse, Endpoint: req.URL.Path, Detail: "read body: " + err.Error()})
		m.outcome(OutcomeParseError)
		return req
	}
	if !m.ShouldTransform(req, body) {
		m.outcome(OutcomePassthrough)
		return req
	}

	out, modified, err := m.TransformBody(req.URL.Path, body)
	switch {
	case err != nil:
		m.report(Event{Kind: KindParseFailure, Stage: StageParse, Endpoint: req.URL.Path, Detail: err.Error()})
		m.outcome(OutcomeParseError)
		return req
	case !modified:
		m.outcome(OutcomeUnchanged)
		return req
	}
	m.outcome(OutcomeTransformed)
	return Rebuild(req, out)
}

// TransformBody runs the enabled stages over a raw payload. It returns the
// input slice and false when no stage changed anything. Schema diagnostics
// are reported against endpoint.
func (m *Middleware) TransformBody(endpoint string, body []byte) ([]byte, bool, error) {
	tree, err := m.parse(body)
	if err != nil {
		return body, false, err
	}
	if !tree.IsObject() {
		return body, false, fmt.Errorf("%w (got %s)", ErrNotObject, tree.Kind())
	}

	tree, modified := m.apply(endpoint, tree)
	if !modified {
		return body, false, nil
	}
	return jsonv.Marshal(tree), true, nil
}

// Handle is an openai-go middleware; pass it to option.WithMiddleware.
func (m *Middleware) Handle(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	return next(m.Transform(req))
}

// RoundTripper wraps base (http.DefaultTransport when nil) so every request
// passes through Transform.
func (m *Middleware) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{mw: m, base: base}
}

type roundTripper struct {
	mw   *Middleware
	base http.RoundTripper
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(t.mw.Transform(req))
}

// apply runs the stages in fixed order: refs, anyOf, tool_choice, xhigh.
func (m *Middleware) apply(endpoint string, body jsonv.Value) (jsonv.Value, bool) {
	modified := false
	if m.flags.FlattenDefs || m.flags.FixAnyOf {
		var changed bool
		body, changed = m.rewriteSchemas(endpoint, body)
		modified = modified || changed
	}
	if m.flags.FixToolChoice {
		var changed bool
		body, changed = NormalizeToolChoice(body)
		modified = modified || changed
	}
	if m.flags.XHigh {
		var changed bool
		body, changed = InjectReasoningMode(body)
		modified = modified || changed
	}
	return body, modified
}

// rewriteSchemas visits tools[*].function.parameters and
// response_format.json_schema.schema.
func (m *Middleware) rewriteSchemas(endpoint string, body jsonv.Value) (jsonv.Value, bool) {
	modified := false

	if tools, ok := body.Get("tools"); ok && tools.IsArray() {
		items := tools.Items()
		out := make([]jsonv.Value, len(items))
		changedAny := false
		for i, tool := range items {
			out[i] = tool
			fn, ok := tool.Get("function")
			if !ok {
				continue
			}
			params, ok := fn.Get("parameters")
			if !ok {
				continue
			}
			name, _ := fn.GetString("name")
			rewritten, changed := m.rewriteSchema(endpoint, name, params)
			if changed {
				out[i] = tool.Set("function", fn.Set("parameters", rewritten))
				changedAny = true
			}
		}
		if changedAny {
			body = body.Set("tools", jsonv.WithItems(out))
			modified = true
		}
	}

	if rf, ok := body.Get("response_format"); ok {
		if js, ok := rf.Get("json_schema"); ok {
			if schema, ok := js.Get("schema"); ok {
				name, _ := js.GetString("name")
				rewritten, changed := m.rewriteSchema(endpoint, "response_format:"+name, schema)
				if changed {
					body = body.Set("response_format", rf.Set("json_schema", js.Set("schema", rewritten)))
					modified = true
				}
			}
		}
	}
	return body, modified
}

func (m *Middleware) rewriteSchema(endpoint, tool string, schema jsonv.Value) (jsonv.Value, bool) {
	modified := false

	if m.flags.FlattenDefs {
		resolved, rep, err := ResolveRefs(schema)
		if err != nil {
			kind := KindCyclicSchema
			if errors.Is(err, ErrSchemaTooLarge) {
				kind = KindSchemaTooLarge
			}
			m.report(Event{Kind: kind, Stage: StageFlattenDefs, Endpoint: endpoint, Tool: tool, Detail: err.Error()})
		} else {
			for _, ref := range rep.Unresolved {
				m.report(Event{Kind: KindUnresolvedReference, Stage: StageFlattenDefs, Endpoint: endpoint, Tool: tool, Detail: ref})
			}
			if rep.Modified() {
				schema = resolved
				modified = true
			}
		}
	}

	if m.flags.FixAnyOf {
		simplified, rep := SimplifyAnyOf(schema)
		for _, d := range rep.Lossy {
			m.report(Event{Kind: KindLossyUnionNarrowing, Stage: StageFixAnyOf, Endpoint: endpoint, Tool: tool, Detail: d})
		}
		if rep.Collapsed > 0 {
			schema = simplified
			modified = true
		}
	}
	return schema, modified
}

func (m *Middleware) report(e Event) {
	if m.reporter != nil {
		m.reporter.Report(e)
	}
}

func (m *Middleware) outcome(o Outcome) {
	if m.onOutcome != nil {
		m.onOutcome(o)
	}
}
