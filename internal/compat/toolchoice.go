package compat

import "github.com/n0madic/go-cfst-extractor/internal/jsonv"

// ReasoningModeField is the top-level vendor extension set by the xhigh flag.
const ReasoningModeField = "xhigh"

// NormalizeToolChoice rewrites a "required" tool_choice, given either as the
// bare string or as an object with type "required", to "auto". Every other
// value is left alone.
func NormalizeToolChoice(body jsonv.Value) (jsonv.Value, bool) {
	tc, ok := body.Get("tool_choice")
	if !ok {
		return body, false
	}
	s, isStr := tc.Str()
	if !isStr {
		s, _ = tc.GetString("type")
	}
	if s != "required" {
		return body, false
	}
	return body.Set("tool_choice", jsonv.StringValue("auto")), true
}

// InjectReasoningMode sets the reasoning-mode extension to true. It always
// reports a modification.
func InjectReasoningMode(body jsonv.Value) (jsonv.Value, bool) {
	return body.Set(ReasoningModeField, jsonv.BoolValue(true)), true
}
