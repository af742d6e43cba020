package paper

import (
	_ "embed"

	"github.com/n0madic/go-cfst-extractor/internal/json"
)

//go:embed schema.json
var outputSchema []byte

// OutputSchema returns the JSON Schema of PaperExtraction. Nested types are
// referenced through $defs.
func OutputSchema() []byte {
	out := make([]byte, len(outputSchema))
	copy(out, outputSchema)
	return out
}

// OutputSchemaMap returns OutputSchema decoded into a generic map, the form
// SDK tool definitions take.
func OutputSchemaMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(outputSchema, &m); err != nil {
		return nil, err
	}
	return m, nil
}
