package compat

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/n0madic/go-cfst-extractor/internal/jsonv"
)

const (
	// maxSchemaDepth bounds recursion for pathological but acyclic schemas.
	maxSchemaDepth = 256
	// maxInlinedRefs bounds the copies made for definitions that fan out,
	// e.g. each one referencing the next twice.
	maxInlinedRefs = 4096
)

var (
	// ErrCyclicSchema is returned when a $defs entry references itself
	// directly or through other definitions.
	ErrCyclicSchema = errors.New("compat: cyclic schema")
	// ErrSchemaTooLarge is returned when an acyclic schema nests deeper than
	// maxSchemaDepth or needs more than maxInlinedRefs substitutions.
	ErrSchemaTooLarge = errors.New("compat: schema too large to flatten")
)

// RefReport describes what ResolveRefs changed.
type RefReport struct {
	DefsRemoved bool
	Inlined     int
	// Unresolved lists $ref values whose key is not present in $defs.
	Unresolved []string
}

// Modified reports whether the schema tree changed.
func (r RefReport) Modified() bool { return r.DefsRemoved || r.Inlined > 0 }

// ResolveRefs pops the root $defs map (or legacy "definitions") and inlines
// every $ref that points into it. Each substitution is an independent copy.
// A schema without definitions is returned unchanged. On ErrCyclicSchema the
// input schema is returned untouched, and likewise on ErrSchemaTooLarge.
func ResolveRefs(schema jsonv.Value) (jsonv.Value, RefReport, error) {
	var report RefReport
	if !schema.IsObject() {
		return schema, report, nil
	}
	defsKey := "$defs"
	defs, ok := schema.Get(defsKey)
	if !ok {
		defsKey = "definitions"
		if defs, ok = schema.Get(defsKey); !ok {
			return schema, report, nil
		}
	}

	r := &refResolver{defs: defs, report: &report}
	out, err := r.resolve(schema.Delete(defsKey), nil, 0)
	if err != nil {
		return schema, RefReport{}, err
	}
	report.DefsRemoved = true
	return out, report, nil
}

type refResolver struct {
	defs   jsonv.Value
	report *RefReport
}

// resolve walks node depth-first. chain holds the definition keys currently
// being expanded above node; seeing one of them again means a cycle.
func (r *refResolver) resolve(node jsonv.Value, chain []string, depth int) (jsonv.Value, error) {
	if depth > maxSchemaDepth {
		return node, fmt.Errorf("%w: nesting deeper than %d levels", ErrSchemaTooLarge, maxSchemaDepth)
	}

	switch node.Kind() {
	case jsonv.KindObject:
		if ref, ok := node.GetString("$ref"); ok {
			key := refKey(ref)
			if def, found := r.defs.Get(key); found {
				if slices.Contains(chain, key) {
					return node, fmt.Errorf("%w: %s -> %s", ErrCyclicSchema, strings.Join(chain, " -> "), key)
				}
				if r.report.Inlined >= maxInlinedRefs {
					return node, fmt.Errorf("%w: more than %d $ref substitutions", ErrSchemaTooLarge, maxInlinedRefs)
				}
				r.report.Inlined++
				next := append(slices.Clip(chain), key)
				return r.resolve(def, next, depth+1)
			}
			r.report.Unresolved = append(r.report.Unresolved, ref)
		}
		members := node.Members()
		out := make([]jsonv.Member, len(members))
		for i, m := range members {
			v, err := r.resolve(m.Value, chain, depth+1)
			if err != nil {
				return node, err
			}
			out[i] = jsonv.Member{Key: m.Key, Value: v}
		}
		return jsonv.WithMembers(out), nil

	case jsonv.KindArray:
		items := node.Items()
		out := make([]jsonv.Value, len(items))
		for i, item := range items {
			v, err := r.resolve(item, chain, depth+1)
			if err != nil {
				return node, err
			}
			out[i] = v
		}
		return jsonv.WithItems(out), nil
	}
	return node, nil
}

// refKey returns the last JSON-pointer segment of ref, unescaped.
func refKey(ref string) string {
	key := ref
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		key = ref[i+1:]
	}
	if strings.Contains(key, "~") {
		key = strings.NewReplacer("~1", "/", "~0", "~").Replace(key)
	}
	return key
}
