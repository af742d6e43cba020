package compat

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Flag names accepted in configuration override maps.
const (
	FlagFlattenDefs   = "flatten-defs"
	FlagFixToolChoice = "fix-tool-choice"
	FlagFixAnyOf      = "fix-anyof"
	FlagXHigh         = "xhigh"
)

// CustomPlatform is the pass-through preset used for unknown platform names.
const CustomPlatform = "custom"

var (
	// ErrUnknownFlag is returned by ParseOverrides for names outside the flag set.
	ErrUnknownFlag = errors.New("compat: unknown flag")
	// ErrDuplicateFlag is returned when one flag is set under two spellings.
	ErrDuplicateFlag = errors.New("compat: flag set more than once")
)

// Flags is the effective set of compatibility transforms. It is computed once
// at startup and never modified afterwards.
type Flags struct {
	FlattenDefs   bool `json:"flatten_defs"`
	FixToolChoice bool `json:"fix_tool_choice"`
	FixAnyOf      bool `json:"fix_anyof"`
	XHigh         bool `json:"xhigh"`
}

// Any reports whether at least one transform is enabled.
func (f Flags) Any() bool {
	return f.FlattenDefs || f.FixToolChoice || f.FixAnyOf || f.XHigh
}

func (f Flags) String() string {
	return fmt.Sprintf("%s=%t %s=%t %s=%t %s=%t",
		FlagFlattenDefs, f.FlattenDefs,
		FlagFixToolChoice, f.FixToolChoice,
		FlagFixAnyOf, f.FixAnyOf,
		FlagXHigh, f.XHigh)
}

// Preset is a named default flag bundle for one backend dialect.
type Preset struct {
	Name        string
	Description string
	Flags
}

var presets = map[string]Preset{
	CustomPlatform: {
		Name:        CustomPlatform,
		Description: "no rewriting; requests go out as the SDK built them",
	},
	"gemini": {
		Name:        "gemini",
		Description: "OpenAI-to-Gemini relays without $ref/$defs or anyOf support",
		Flags:       Flags{FlattenDefs: true, FixAnyOf: true},
	},
	"deepseek": {
		Name:        "deepseek",
		Description: "thinking mode that rejects tool_choice \"required\"",
		Flags:       Flags{FixToolChoice: true},
	},
	"cliproxy": {
		Name:        "cliproxy",
		Description: "codex relays: Gemini schema dialect, relaxed tool_choice, xhigh reasoning",
		Flags:       Flags{FlattenDefs: true, FixToolChoice: true, FixAnyOf: true, XHigh: true},
	},
}

// Lookup returns the preset registered under name, or the custom preset when
// the name is unknown. Matching ignores case and surrounding space.
func Lookup(name string) Preset {
	if p, ok := presets[normalizeName(name)]; ok {
		return p
	}
	return presets[CustomPlatform]
}

// Known reports whether name matches a registered preset.
func Known(name string) bool {
	_, ok := presets[normalizeName(name)]
	return ok
}

// Presets returns all registered presets sorted by name.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overrides holds explicit per-flag settings; nil fields keep the preset value.
type Overrides struct {
	FlattenDefs   *bool
	FixToolChoice *bool
	FixAnyOf      *bool
	XHigh         *bool
}

// Apply merges o over base field by field.
func (o Overrides) Apply(base Flags) Flags {
	out := base
	if o.FlattenDefs != nil {
		out.FlattenDefs = *o.FlattenDefs
	}
	if o.FixToolChoice != nil {
		out.FixToolChoice = *o.FixToolChoice
	}
	if o.FixAnyOf != nil {
		out.FixAnyOf = *o.FixAnyOf
	}
	if o.XHigh != nil {
		out.XHigh = *o.XHigh
	}
	return out
}

// CanonicalFlag maps a configured flag name to its canonical spelling. Names
// are case-insensitive and "_" is accepted for "-". Unknown names are
// returned normalized with ok set to false.
func CanonicalFlag(name string) (string, bool) {
	n := strings.ReplaceAll(normalizeName(name), "_", "-")
	switch n {
	case FlagFlattenDefs, FlagFixToolChoice, FlagFixAnyOf, FlagXHigh:
		return n, true
	case "fix-any-of":
		return FlagFixAnyOf, true
	}
	return n, false
}

// ParseOverrides converts a flag-name map from configuration into Overrides.
// Two spellings of the same flag are rejected with ErrDuplicateFlag.
func ParseOverrides(m map[string]bool) (Overrides, error) {
	var o Overrides
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]string, len(keys))
	for _, k := range keys {
		v := m[k]
		name, ok := CanonicalFlag(k)
		if !ok {
			return Overrides{}, fmt.Errorf("%w: %q", ErrUnknownFlag, k)
		}
		if prev, dup := seen[name]; dup {
			return Overrides{}, fmt.Errorf("%w: %q and %q", ErrDuplicateFlag, prev, k)
		}
		seen[name] = k
		switch name {
		case FlagFlattenDefs:
			o.FlattenDefs = &v
		case FlagFixToolChoice:
			o.FixToolChoice = &v
		case FlagFixAnyOf:
			o.FixAnyOf = &v
		case FlagXHigh:
			o.XHigh = &v
		}
	}
	return o, nil
}

// Resolve computes the effective flags for platform with overrides applied.
func Resolve(platform string, o Overrides) Flags {
	return o.Apply(Lookup(platform).Flags)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
