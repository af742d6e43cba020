// Package extract runs the extraction agent over parsed-paper directories
// and writes the results.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"

	"github.com/n0madic/go-cfst-extractor/internal/agent"
	"github.com/n0madic/go-cfst-extractor/internal/metrics"
	"github.com/n0madic/go-cfst-extractor/internal/paper"
	"github.com/n0madic/go-cfst-extractor/internal/upstream"
)

// Extraction statuses, as counted in metrics and the batch summary.
const (
	StatusSuccess = "success"
	StatusEmpty   = "empty"
	StatusFailed  = "failed"
	StatusError   = "error"
)

const userPromptTemplate = `Goal: extract the structured CFST test data from the paper directory assigned to you, following the JSON format defined in the system prompt exactly.
Work through these steps in order:
1. Reading. Call read_markdown first to get the full text of the paper.
2. Loading setup. Find the loading-setup figure in the image list and call inspect_image on it. Decide from the figure whether the load is eccentric and whether both end eccentricities are equal. Do not skip this step.
3. Table alignment. Compare every table row against its physical meaning. The PDF parser often merges specimen labels from several rows into one cell (for example "C1 C2" or "S5 R1"), which shifts every column to the right and puts several values in one cell.
   - If the table is clean and labels line up with their rows, take the values from the text.
   - If anything is merged (labels like "C1 C2", cells like "76.6 152.3"), do not split the values yourself. Find the original table image and call inspect_image on it.
4. Calculation. Use execute_python_calc for every unit conversion and section geometry calculation.
5. Result. Combine the text, the loading-setup check, and any corrected table values, then call final_result with the JSON.
Current paper directory: %s
`

// UserPrompt is the per-paper instruction sent after the system prompt.
func UserPrompt(paperID string) string {
	return fmt.Sprintf(userPromptTemplate, paperID)
}

// Options configures an Extractor.
type Options struct {
	SystemPrompt      string
	MaxIterations     int
	OutputRetries     int
	MaxMarkdownTokens int
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Extractor turns one parsed-paper directory into a PaperExtraction.
type Extractor struct {
	client openai.Client
	model  string
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

// New returns an Extractor that asks model through client.
func New(client openai.Client, model string, opts Options) *Extractor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{client: client, model: model, opts: opts, log: logger, now: time.Now}
}

// Model is the name recorded in extraction_model.
func (e *Extractor) Model() string {
	if e.model == "" {
		return "default"
	}
	return e.model
}

// Extract runs the agent over dir. It never fails: any error becomes an
// invalid record whose reason starts with "Extraction Failed:".
func (e *Extractor) Extract(ctx context.Context, dir string) paper.PaperExtraction {
	name := filepath.Base(filepath.Clean(dir))
	log := e.log.With("paper", name, "trace_id", uuid.NewString())
	start := e.now()
	log.Info("extract.start", "dir", dir, "model", e.Model())

	result, err := e.extract(ctx, dir, name, log)
	if err != nil {
		log.Warn("extract.failed", "error", err, "elapsed", time.Since(start))
		e.opts.Metrics.ObserveExtraction(StatusFailed)
		return paper.Invalid("Extraction Failed: "+upstream.Describe(err), e.Model(), e.now())
	}

	status := StatusSuccess
	if result.Total() == 0 {
		status = StatusEmpty
	}
	e.opts.Metrics.ObserveExtraction(status)
	c := result.Counts()
	log.Info("extract.done",
		"status", status,
		"valid", result.IsValid,
		"group_a", c.A, "group_b", c.B, "group_c", c.C,
		"elapsed", time.Since(start),
	)
	return result
}

func (e *Extractor) extract(ctx context.Context, dir, name string, log *slog.Logger) (paper.PaperExtraction, error) {
	schema, err := paper.OutputSchemaMap()
	if err != nil {
		return paper.PaperExtraction{}, fmt.Errorf("output schema: %w", err)
	}
	a := agent.New(e.client, agent.PaperTools(dir, e.opts.MaxMarkdownTokens), agent.Options{
		Model:         e.model,
		MaxIterations: e.opts.MaxIterations,
		OutputRetries: e.opts.OutputRetries,
		OutputSchema:  schema,
		Validate: func(raw []byte) error {
			_, err := paper.Decode(raw)
			return err
		},
		Logger: log,
	})

	raw, err := a.Run(ctx, e.opts.SystemPrompt, UserPrompt(name))
	if err != nil {
		return paper.PaperExtraction{}, err
	}
	stamped, err := paper.StampMetadata(raw, e.Model(), e.now())
	if err != nil {
		return paper.PaperExtraction{}, fmt.Errorf("stamp metadata: %w", err)
	}
	return paper.Decode(stamped)
}
