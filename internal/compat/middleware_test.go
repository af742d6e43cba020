package compat

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"github.com/n0madic/go-cfst-extractor/internal/jsonv"
)

const (
	specimenParams = `{"$defs":{"Specimen":{"properties":{"label":{"type":"string"}},"type":"object"}},` +
		`"properties":{"specimens":{"items":{"$ref":"#/$defs/Specimen"},"type":"array"},` +
		`"note":{"anyOf":[{"type":"string"},{"type":"null"}],"default":null}},"required":["specimens"],"type":"object"}`
	flatSpecimenParams = `{"properties":{"specimens":{"items":{"properties":{"label":{"type":"string"}},"type":"object"},"type":"array"},` +
		`"note":{"default":null,"type":"string"}},"required":["specimens"],"type":"object"}`
)

func chatBody(params, toolChoice string) string {
	return `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],` +
		`"tools":[{"type":"function","function":{"name":"final_result","parameters":` + params + `}}],` +
		`"tool_choice":` + toolChoice + `}`
}

func newChatRequest(t *testing.T, path, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://relay.example.com"+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return req
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Report(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func TestNormalizeToolChoice(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		changed bool
	}{
		{`{"tool_choice":"required"}`, `{"tool_choice":"auto"}`, true},
		{`{"tool_choice":{"type":"required"}}`, `{"tool_choice":"auto"}`, true},
		{`{"tool_choice":"none"}`, `{"tool_choice":"none"}`, false},
		{`{"tool_choice":"auto"}`, `{"tool_choice":"auto"}`, false},
		{`{"tool_choice":{"type":"function","function":{"name":"x"}}}`, `{"tool_choice":{"type":"function","function":{"name":"x"}}}`, false},
		{`{"model":"m"}`, `{"model":"m"}`, false},
	}
	for _, tt := range tests {
		got, changed := NormalizeToolChoice(jsonv.MustParse(tt.in))
		if got.String() != tt.want || changed != tt.changed {
			t.Fatalf("%s: got %s (%t), want %s (%t)", tt.in, got, changed, tt.want, tt.changed)
		}
	}
}

func TestInjectReasoningMode(t *testing.T) {
	got, changed := InjectReasoningMode(jsonv.MustParse(`{"model":"m"}`))
	if got.String() != `{"model":"m","xhigh":true}` || !changed {
		t.Fatalf("got %s (%t)", got, changed)
	}
	got, _ = InjectReasoningMode(jsonv.MustParse(`{"xhigh":false,"model":"m"}`))
	if got.String() != `{"xhigh":true,"model":"m"}` {
		t.Fatalf("got %s", got)
	}
}

func TestTransformEndToEnd(t *testing.T) {
	var outcomes []Outcome
	mw := New(Flags{FlattenDefs: true, FixAnyOf: true, FixToolChoice: true},
		WithReporter(&recorder{}),
		WithOutcomeHook(func(o Outcome) { outcomes = append(outcomes, o) }))

	in := chatBody(specimenParams, `"required"`)
	req := newChatRequest(t, "/v1/chat/completions", in)
	out := mw.Transform(req)
	if out == req {
		t.Fatal("expected a rebuilt request")
	}

	body := readAll(t, out.Body)
	want := chatBody(flatSpecimenParams, `"auto"`)
	if body != want {
		t.Fatalf("body:\n got %s\nwant %s", body, want)
	}
	for _, banned := range []string{`"$defs"`, `"$ref"`, `"anyOf"`} {
		if strings.Contains(body, banned) {
			t.Fatalf("body still contains %s", banned)
		}
	}
	if got := out.Header.Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Fatalf("Content-Length header: got %s, want %d", got, len(body))
	}
	if out.ContentLength != int64(len(body)) {
		t.Fatalf("ContentLength: got %d, want %d", out.ContentLength, len(body))
	}
	if out.Header.Get("Authorization") != "Bearer sk-test" || out.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("headers not preserved: %v", out.Header)
	}
	if out.Method != req.Method || out.URL.String() != req.URL.String() {
		t.Fatalf("target changed: %s %s", out.Method, out.URL)
	}

	// The caller's request is left intact for retries.
	if got := req.Header.Get("Content-Length"); got != strconv.Itoa(len(in)) {
		t.Fatalf("original Content-Length mutated: %s", got)
	}
	rc, err := req.GetBody()
	if err != nil {
		t.Fatalf("GetBody: %v", err)
	}
	if got := readAll(t, rc); got != in {
		t.Fatalf("original body mutated: %s", got)
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeTransformed {
		t.Fatalf("outcomes: got %v", outcomes)
	}
}

func TestTransformFastPathSkipsParse(t *testing.T) {
	var parses atomic.Int32
	counting := func(b []byte) (jsonv.Value, error) {
		parses.Add(1)
		return jsonv.Parse(b)
	}
	mw := New(Resolve("cliproxy", Overrides{}), WithParser(counting))

	tests := []struct {
		name string
		path string
		body string
	}{
		{"no markers", "/v1/chat/completions", `{"input":"embed me"}`},
		{"other endpoint", "/v1/embeddings", `{"model":"text-embedding-3-small","input":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newChatRequest(t, tt.path, tt.body)
			out := mw.Transform(req)
			if out != req {
				t.Fatal("expected the original request")
			}
			if got := readAll(t, out.Body); got != tt.body {
				t.Fatalf("body changed: %s", got)
			}
		})
	}
	if n := parses.Load(); n != 0 {
		t.Fatalf("parser called %d times, want 0", n)
	}

	mw.Transform(newChatRequest(t, "/v1/chat/completions", `{"model":"m"}`))
	if n := parses.Load(); n != 1 {
		t.Fatalf("parser called %d times, want 1", n)
	}
}

func TestTransformNoFlagsPassesThrough(t *testing.T) {
	mw := New(Resolve(CustomPlatform, Overrides{}), WithParser(func([]byte) (jsonv.Value, error) {
		t.Fatal("parser must not run without enabled stages")
		return jsonv.Value{}, nil
	}))
	req := newChatRequest(t, "/v1/chat/completions", chatBody(specimenParams, `"required"`))
	if out := mw.Transform(req); out != req {
		t.Fatal("expected the original request")
	}
}

func TestTransformUnchangedReturnsOriginal(t *testing.T) {
	var outcome Outcome
	mw := New(Flags{FixToolChoice: true, FlattenDefs: true}, WithOutcomeHook(func(o Outcome) { outcome = o }))
	req := newChatRequest(t, "/v1/chat/completions", `{"model":"m","tool_choice":"auto","tools":[{"type":"function","function":{"name":"f","parameters":{"type":"object"}}}]}`)
	if out := mw.Transform(req); out != req {
		t.Fatal("expected the original request")
	}
	if outcome != OutcomeUnchanged {
		t.Fatalf("outcome: got %s, want %s", outcome, OutcomeUnchanged)
	}
}

func TestTransformParseFailureFailsClosed(t *testing.T) {
	for _, body := range []string{`{"model": broken`, `["model"]`} {
		rec := &recorder{}
		var outcome Outcome
		mw := New(Resolve("cliproxy", Overrides{}), WithReporter(rec), WithOutcomeHook(func(o Outcome) { outcome = o }))

		req := newChatRequest(t, "/v1/chat/completions", body)
		out := mw.Transform(req)
		if out != req {
			t.Fatalf("%s: expected the original request", body)
		}
		if got := readAll(t, out.Body); got != body {
			t.Fatalf("%s: body changed to %s", body, got)
		}
		kinds := rec.kinds()
		if len(kinds) != 1 || kinds[0] != KindParseFailure {
			t.Fatalf("%s: events %v", body, kinds)
		}
		if outcome != OutcomeParseError {
			t.Fatalf("%s: outcome %s", body, outcome)
		}
	}
}

func TestTransformBodyWithoutGetBody(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		rewritten bool
	}{
		{"rewritten", chatBody(specimenParams, `"required"`), true},
		{"unchanged", chatBody(specimenParams, `"auto"`), false},
		{"parse failure", `{"model": broken`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newChatRequest(t, "/v1/chat/completions", tt.body)
			req.GetBody = nil
			callerBody := io.NopCloser(strings.NewReader(tt.body))
			req.Body = callerBody

			mw := New(Flags{FixToolChoice: true})
			out := mw.Transform(req)
			if out == req {
				t.Fatal("expected a copy of the request")
			}
			if req.Body != callerBody {
				t.Fatal("caller Body replaced")
			}
			if req.GetBody != nil {
				t.Fatal("caller GetBody set")
			}

			got := readAll(t, out.Body)
			if tt.rewritten {
				if gjson.Get(got, "tool_choice").String() != "auto" {
					t.Fatalf("tool_choice not rewritten: %s", got)
				}
			} else if got != tt.body {
				t.Fatalf("forwarded body changed: %s", got)
			}
		})
	}
}

func TestCyclicSchemaSkipsOnlyThatTool(t *testing.T) {
	cyclic := `{"$defs":{"Node":{"type":"object","properties":{"next":{"$ref":"#/$defs/Node"}}}},"$ref":"#/$defs/Node"}`
	body := `{"model":"m","tools":[` +
		`{"type":"function","function":{"name":"walk","parameters":` + cyclic + `}},` +
		`{"type":"function","function":{"name":"final_result","parameters":` + specimenParams + `}}]}`

	rec := &recorder{}
	mw := New(Flags{FlattenDefs: true}, WithReporter(rec))
	out, modified, err := mw.TransformBody("/v1/chat/completions", []byte(body))
	if err != nil || !modified {
		t.Fatalf("TransformBody: modified=%t err=%v", modified, err)
	}
	if got := gjson.GetBytes(out, "tools.0.function.parameters").Raw; got != cyclic {
		t.Fatalf("cyclic tool rewritten: %s", got)
	}
	if gjson.GetBytes(out, `tools.1.function.parameters.\$defs`).Exists() {
		t.Fatal("second tool not flattened")
	}
	if got := gjson.GetBytes(out, "tools.1.function.parameters.properties.specimens.items.type").String(); got != "object" {
		t.Fatalf("specimen items type: got %q", got)
	}

	var found bool
	for _, e := range rec.events {
		if e.Kind == KindCyclicSchema {
			found = true
			if e.Tool != "walk" || e.Stage != StageFlattenDefs {
				t.Fatalf("cyclic event: %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("no cyclic_schema event in %v", rec.kinds())
	}
}

func TestOversizedSchemaReportedSeparately(t *testing.T) {
	body := `{"model":"m","tools":[{"type":"function","function":{"name":"tree","parameters":` + fanOutSchema(20) + `}}]}`
	rec := &recorder{}
	mw := New(Flags{FlattenDefs: true}, WithReporter(rec))
	out, modified, err := mw.TransformBody("/v1/chat/completions", []byte(body))
	if err != nil || modified {
		t.Fatalf("TransformBody: modified=%t err=%v", modified, err)
	}
	if string(out) != body {
		t.Fatal("oversized schema rewritten")
	}
	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != KindSchemaTooLarge {
		t.Fatalf("events %v, want [%s]", kinds, KindSchemaTooLarge)
	}
}

func TestUnresolvedReferenceReported(t *testing.T) {
	rec := &recorder{}
	mw := New(Flags{FlattenDefs: true}, WithReporter(rec))
	params := `{"$defs":{},"properties":{"m":{"$ref":"#/$defs/Missing"}}}`
	out, modified, err := mw.TransformBody("/v1/chat/completions", []byte(chatBody(params, `"auto"`)))
	if err != nil || !modified {
		t.Fatalf("TransformBody: modified=%t err=%v", modified, err)
	}
	if got := gjson.GetBytes(out, `tools.0.function.parameters.properties.m.\$ref`).String(); got != "#/$defs/Missing" {
		t.Fatalf("ref: got %q", got)
	}
	if len(rec.events) != 1 || rec.events[0].Kind != KindUnresolvedReference || rec.events[0].Detail != "#/$defs/Missing" {
		t.Fatalf("events: %+v", rec.events)
	}
}

func TestResponseFormatSchemaRewritten(t *testing.T) {
	body := `{"model":"m","response_format":{"type":"json_schema","json_schema":{"name":"paper","schema":` + specimenParams + `}}}`
	mw := New(Flags{FlattenDefs: true, FixAnyOf: true})
	out, modified, err := mw.TransformBody("/v1/chat/completions", []byte(body))
	if err != nil || !modified {
		t.Fatalf("TransformBody: modified=%t err=%v", modified, err)
	}
	if got := gjson.GetBytes(out, "response_format.json_schema.schema").Raw; got != flatSpecimenParams {
		t.Fatalf("got %s, want %s", got, flatSpecimenParams)
	}
}

func TestTransformBodyIdempotent(t *testing.T) {
	mw := New(Resolve("gemini", Overrides{}))
	once, modified, err := mw.TransformBody("/v1/chat/completions", []byte(chatBody(specimenParams, `"required"`)))
	if err != nil || !modified {
		t.Fatalf("first pass: modified=%t err=%v", modified, err)
	}
	twice, modified, err := mw.TransformBody("/v1/chat/completions", once)
	if err != nil || modified {
		t.Fatalf("second pass: modified=%t err=%v", modified, err)
	}
	if !bytes.Equal(once, twice) {
		t.Fatalf("second pass changed body: %s", twice)
	}
}

func TestTransformConcurrent(t *testing.T) {
	mw := New(Resolve("cliproxy", Overrides{}), WithReporter(&recorder{}))
	in := chatBody(specimenParams, `"required"`)
	want := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],` +
		`"tools":[{"type":"function","function":{"name":"final_result","parameters":` + flatSpecimenParams + `}}],` +
		`"tool_choice":"auto","xhigh":true}`

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, "https://relay.example.com/v1/chat/completions", strings.NewReader(in))
			if err != nil {
				t.Errorf("NewRequest: %v", err)
				return
			}
			out := mw.Transform(req)
			data, err := io.ReadAll(out.Body)
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			if string(data) != want {
				t.Errorf("got %s", data)
			}
		}()
	}
	wg.Wait()
}

func TestRoundTripper(t *testing.T) {
	var gotBody string
	var gotLength int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody, gotLength = string(data), r.ContentLength
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	mw := New(Flags{FixToolChoice: true, XHigh: true})
	client := &http.Client{Transport: mw.RoundTripper(nil)}
	resp, err := client.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"m","tool_choice":"required"}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()

	want := `{"model":"m","tool_choice":"auto","xhigh":true}`
	if gotBody != want {
		t.Fatalf("got %s, want %s", gotBody, want)
	}
	if gotLength != int64(len(want)) {
		t.Fatalf("Content-Length: got %d, want %d", gotLength, len(want))
	}
}

func TestHandleWithOpenAIClient(t *testing.T) {
	var gotBody []byte
	var gotLength int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		gotBody, _ = io.ReadAll(r.Body)
		gotLength = r.ContentLength
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	mw := New(Resolve("cliproxy", Overrides{}), WithReporter(&recorder{}))
	client := openai.NewClient(
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithAPIKey("sk-test"),
		option.WithMaxRetries(0),
		option.WithMiddleware(mw.Handle),
	)

	params := openai.FunctionParameters{
		"type": "object",
		"$defs": map[string]any{
			"Point": map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "number"}}},
		},
		"properties": map[string]any{
			"point": map[string]any{"$ref": "#/$defs/Point"},
			"label": map[string]any{"anyOf": []any{map[string]any{"type": "string"}, map[string]any{"type": "null"}}},
		},
	}
	_, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model:    openai.ChatModel("gemini-2.5-pro"),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")},
		Tools: []openai.ChatCompletionToolUnionParam{
			openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{Name: "final_result", Parameters: params}),
		},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")},
	})
	if err != nil {
		t.Fatalf("Chat.Completions.New: %v", err)
	}

	for _, banned := range []string{`"$defs"`, `"$ref"`, `"anyOf"`} {
		if bytes.Contains(gotBody, []byte(banned)) {
			t.Fatalf("upstream body still contains %s: %s", banned, gotBody)
		}
	}
	if got := gjson.GetBytes(gotBody, "tools.0.function.parameters.properties.point.properties.x.type").String(); got != "number" {
		t.Fatalf("inlined point: got %q in %s", got, gotBody)
	}
	if got := gjson.GetBytes(gotBody, "tools.0.function.parameters.properties.label.type").String(); got != "string" {
		t.Fatalf("label type: got %q", got)
	}
	if got := gjson.GetBytes(gotBody, "tool_choice").String(); got != "auto" {
		t.Fatalf("tool_choice: got %q", got)
	}
	if !gjson.GetBytes(gotBody, "xhigh").Bool() {
		t.Fatal("xhigh not injected")
	}
	if gotLength != int64(len(gotBody)) {
		t.Fatalf("Content-Length: got %d, want %d", gotLength, len(gotBody))
	}
}
