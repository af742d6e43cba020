package compat

import (
	"fmt"
	"strings"

	"github.com/n0madic/go-cfst-extractor/internal/jsonv"
)

// AnyOfReport describes what SimplifyAnyOf changed.
type AnyOfReport struct {
	Collapsed int
	// Lossy holds one description per collapse that dropped information.
	Lossy []string
}

// SimplifyAnyOf replaces every anyOf union with a single type: the first
// non-null branch type wins, "null" branches are dropped, and the anyOf key is
// always removed, even when no branch declared a type. Nested unions are
// handled after their parent.
func SimplifyAnyOf(node jsonv.Value) (jsonv.Value, AnyOfReport) {
	var report AnyOfReport
	out := simplifyAnyOf(node, &report)
	return out, report
}

func simplifyAnyOf(node jsonv.Value, report *AnyOfReport) jsonv.Value {
	switch node.Kind() {
	case jsonv.KindObject:
		if union, ok := node.Get("anyOf"); ok {
			node = collapseUnion(node, union, report)
		}
		members := node.Members()
		out := make([]jsonv.Member, len(members))
		for i, m := range members {
			out[i] = jsonv.Member{Key: m.Key, Value: simplifyAnyOf(m.Value, report)}
		}
		return jsonv.WithMembers(out)

	case jsonv.KindArray:
		items := node.Items()
		out := make([]jsonv.Value, len(items))
		for i, item := range items {
			out[i] = simplifyAnyOf(item, report)
		}
		return jsonv.WithItems(out)
	}
	return node
}

func collapseUnion(node, union jsonv.Value, report *AnyOfReport) jsonv.Value {
	var (
		types   []jsonv.Value
		dropped []string
	)
	for _, branch := range union.Items() {
		t, ok := branch.Get("type")
		if !branch.IsObject() || !ok {
			dropped = append(dropped, "untyped branch")
			continue
		}
		if s, isStr := t.Str(); isStr && s == "null" {
			continue
		}
		types = append(types, t)
		for _, m := range branch.Members() {
			switch m.Key {
			case "type", "description", "title":
			default:
				dropped = append(dropped, fmt.Sprintf("%s of %s branch", m.Key, t))
			}
		}
	}

	report.Collapsed++
	if len(types) > 0 {
		node = node.Set("type", types[0])
	}
	node = node.Delete("anyOf")

	switch {
	case len(types) == 0:
		report.Lossy = append(report.Lossy, "union without non-null types dropped entirely")
	case len(types) > 1:
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = t.String()
		}
		report.Lossy = append(report.Lossy, fmt.Sprintf("narrowed [%s] to %s", strings.Join(names, " "), types[0]))
	case len(dropped) > 0:
		report.Lossy = append(report.Lossy, "dropped "+strings.Join(dropped, ", "))
	}
	return node
}
