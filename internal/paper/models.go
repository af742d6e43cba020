// Package paper defines the CFST extraction record, its output schema, and
// the file tools the agent uses to read a parsed paper directory.
package paper

import (
	"time"

	"github.com/n0madic/go-cfst-extractor/internal/json"
)

// TimeLayout formats extraction_time.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Specimen is one tested CFST column.
type Specimen struct {
	RefNo          string  `json:"ref_no"`
	SpecimenLabel  string  `json:"specimen_label"`
	FcValue        float64 `json:"fc_value"`
	FcType         string  `json:"fc_type"`
	Fy             float64 `json:"fy"`
	Fcy150         string  `json:"fcy150"`
	RRatio         float64 `json:"r_ratio"`
	B              float64 `json:"b"`
	H              float64 `json:"h"`
	T              float64 `json:"t"`
	R0             float64 `json:"r0"`
	L              float64 `json:"L"`
	E1             float64 `json:"e1"`
	E2             float64 `json:"e2"`
	NExp           float64 `json:"n_exp"`
	SourceEvidence string  `json:"source_evidence"`
}

// RefInfo is the bibliographic reference of a paper.
type RefInfo struct {
	Title   string   `json:"title"`
	Authors []string `json:"authors"`
	Journal string   `json:"journal"`
	Year    int      `json:"year"`
}

// PaperExtraction is the full result for one paper. Group A holds
// square/rectangular sections, B circular, C round-ended.
type PaperExtraction struct {
	IsValid         bool       `json:"is_valid"`
	Reason          string     `json:"reason"`
	RefInfo         RefInfo    `json:"ref_info"`
	GroupA          []Specimen `json:"Group_A"`
	GroupB          []Specimen `json:"Group_B"`
	GroupC          []Specimen `json:"Group_C"`
	ExtractionModel string     `json:"extraction_model"`
	ExtractionTime  string     `json:"extraction_time"`
	Notes           string     `json:"notes,omitempty"`
}

// GroupCounts is the number of specimens per section group.
type GroupCounts struct {
	A, B, C int
}

func (p PaperExtraction) Counts() GroupCounts {
	return GroupCounts{A: len(p.GroupA), B: len(p.GroupB), C: len(p.GroupC)}
}

// Total is the number of specimens across all groups.
func (p PaperExtraction) Total() int {
	c := p.Counts()
	return c.A + c.B + c.C
}

// Invalid builds the record written when extraction fails.
func Invalid(reason, model string, at time.Time) PaperExtraction {
	p := PaperExtraction{
		Reason:          reason,
		ExtractionModel: model,
		ExtractionTime:  at.Format(TimeLayout),
	}
	return p.normalized()
}

// MarshalIndent encodes p the way result files are written.
func (p PaperExtraction) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(p.normalized(), "", "  ")
}

// normalized replaces nil slices so they encode as [].
func (p PaperExtraction) normalized() PaperExtraction {
	if p.RefInfo.Authors == nil {
		p.RefInfo.Authors = []string{}
	}
	if p.GroupA == nil {
		p.GroupA = []Specimen{}
	}
	if p.GroupB == nil {
		p.GroupB = []Specimen{}
	}
	if p.GroupC == nil {
		p.GroupC = []Specimen{}
	}
	return p
}
