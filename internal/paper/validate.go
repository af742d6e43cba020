package paper

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0madic/go-cfst-extractor/internal/json"
)

// ValidationError lists every problem found in a model's output.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "output validation failed: " + strings.Join(e.Issues, "; ")
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindInteger
	kindBool
	kindStringList
)

type field struct {
	name     string
	kind     fieldKind
	required bool
}

var (
	paperFields = []field{
		{"is_valid", kindBool, true},
		{"reason", kindString, true},
		{"extraction_model", kindString, false},
		{"extraction_time", kindString, false},
		{"notes", kindString, false},
	}
	refInfoFields = []field{
		{"title", kindString, true},
		{"authors", kindStringList, true},
		{"journal", kindString, true},
		{"year", kindInteger, true},
	}
	specimenFields = []field{
		{"ref_no", kindString, false},
		{"specimen_label", kindString, true},
		{"fc_value", kindNumber, true},
		{"fc_type", kindString, true},
		{"fy", kindNumber, true},
		{"fcy150", kindString, false},
		{"r_ratio", kindNumber, false},
		{"b", kindNumber, true},
		{"h", kindNumber, true},
		{"t", kindNumber, true},
		{"r0", kindNumber, true},
		{"L", kindNumber, true},
		{"e1", kindNumber, true},
		{"e2", kindNumber, true},
		{"n_exp", kindNumber, true},
		{"source_evidence", kindString, true},
	}
	groupNames = []string{"Group_A", "Group_B", "Group_C"}
)

// Decode validates raw model output against the PaperExtraction schema and
// decodes it. Numeric strings such as "12.5" are accepted for number fields.
func Decode(raw []byte) (PaperExtraction, error) {
	raw = bytes.TrimSpace(raw)
	if !gjson.ValidBytes(raw) {
		return PaperExtraction{}, &ValidationError{Issues: []string{"output is not valid JSON"}}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return PaperExtraction{}, &ValidationError{Issues: []string{"output must be a JSON object"}}
	}

	v := &validator{}
	v.object(root, "", paperFields)
	if ref := root.Get("ref_info"); !ref.Exists() {
		v.issue("ref_info", "field required")
	} else if !ref.IsObject() {
		v.issue("ref_info", "must be an object")
	} else {
		v.object(ref, "ref_info.", refInfoFields)
	}
	for _, g := range groupNames {
		list := root.Get(g)
		if !list.Exists() || list.Type == gjson.Null {
			continue
		}
		if !list.IsArray() {
			v.issue(g, "must be an array")
			continue
		}
		for i, item := range list.Array() {
			prefix := fmt.Sprintf("%s.%d.", g, i)
			if !item.IsObject() {
				v.issue(strings.TrimSuffix(prefix, "."), "must be an object")
				continue
			}
			v.object(item, prefix, specimenFields)
		}
	}
	if len(v.issues) > 0 {
		return PaperExtraction{}, &ValidationError{Issues: v.issues}
	}

	for path, literal := range v.coerce {
		var err error
		if raw, err = sjson.SetRawBytes(raw, path, []byte(literal)); err != nil {
			return PaperExtraction{}, fmt.Errorf("normalize %s: %w", path, err)
		}
	}
	var p PaperExtraction
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaperExtraction{}, fmt.Errorf("decode output: %w", err)
	}
	return p.normalized(), nil
}

// StampMetadata records which model produced raw and when.
func StampMetadata(raw []byte, model string, at time.Time) ([]byte, error) {
	out, err := sjson.SetBytes(raw, "extraction_model", model)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "extraction_time", at.Format(TimeLayout))
}

type validator struct {
	issues []string
	// coerce maps sjson paths to replacement number literals.
	coerce map[string]string
}

func (v *validator) issue(path, msg string) {
	v.issues = append(v.issues, path+": "+msg)
}

func (v *validator) object(obj gjson.Result, prefix string, fields []field) {
	for _, f := range fields {
		path := prefix + f.name
		val := obj.Get(f.name)
		if !val.Exists() || val.Type == gjson.Null {
			if f.required {
				v.issue(path, "field required")
			}
			continue
		}
		switch f.kind {
		case kindString:
			if val.Type != gjson.String {
				v.issue(path, "must be a string")
			}
		case kindBool:
			if val.Type != gjson.True && val.Type != gjson.False {
				v.issue(path, "must be a boolean")
			}
		case kindStringList:
			if !val.IsArray() {
				v.issue(path, "must be an array of strings")
				continue
			}
			for _, item := range val.Array() {
				if item.Type != gjson.String {
					v.issue(path, "must be an array of strings")
					break
				}
			}
		case kindNumber, kindInteger:
			v.number(path, val, f.kind == kindInteger)
		}
	}
}

func (v *validator) number(path string, val gjson.Result, integer bool) {
	var n float64
	switch val.Type {
	case gjson.Number:
		n = val.Num
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val.Str), 64)
		if err != nil || math.IsInf(parsed, 0) || math.IsNaN(parsed) {
			v.issue(path, "must be a number")
			return
		}
		n = parsed
	default:
		v.issue(path, "must be a number")
		return
	}

	literal := val.Raw
	if integer {
		if n != math.Trunc(n) {
			v.issue(path, "must be an integer")
			return
		}
		literal = strconv.FormatInt(int64(n), 10)
	} else if val.Type == gjson.String {
		literal = strconv.FormatFloat(n, 'f', -1, 64)
	}
	if literal != val.Raw {
		if v.coerce == nil {
			v.coerce = make(map[string]string)
		}
		v.coerce[path] = literal
	}
}
