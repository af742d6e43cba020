package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/n0madic/go-cfst-extractor/internal/json"
	"github.com/n0madic/go-cfst-extractor/internal/paper"
)

// SummaryFile is written to the output directory after a batch.
const SummaryFile = "batch_summary.json"

var ErrNoPapers = errors.New("no parsed paper directories found")

// PaperSummary is one entry of Summary.Papers.
type PaperSummary struct {
	Status    string  `json:"status"`
	Specimens int     `json:"specimens"`
	Notes     *string `json:"notes"`
}

// Summary describes a batch run.
type Summary struct {
	RunID          string                  `json:"run_id"`
	TotalPapers    int                     `json:"total_papers"`
	ValidPapers    int                     `json:"valid_papers"`
	InvalidPapers  int                     `json:"invalid_papers"`
	TotalSpecimens int                     `json:"total_specimens"`
	Papers         map[string]PaperSummary `json:"papers"`
}

// Discover returns the paper directories under root, sorted. Directories
// holding an "auto" subdirectory win; without any, directories that
// directly contain Markdown files are used.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var withAuto, withMarkdown []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if info, err := os.Stat(filepath.Join(dir, "auto")); err == nil && info.IsDir() {
			withAuto = append(withAuto, dir)
			continue
		}
		if md, _ := filepath.Glob(filepath.Join(dir, "*.md")); len(md) > 0 {
			withMarkdown = append(withMarkdown, dir)
		}
	}
	dirs := withAuto
	if len(dirs) == 0 {
		dirs = withMarkdown
	}
	slices.Sort(dirs)
	return dirs, nil
}

// WriteResult writes p to outDir/<name>.json and returns the path.
func WriteResult(outDir, name string, p paper.PaperExtraction) (string, error) {
	data, err := p.MarshalIndent()
	if err != nil {
		return "", err
	}
	path := filepath.Join(outDir, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type paperResult struct {
	name     string
	result   paper.PaperExtraction
	writeErr error
}

// Batch extracts every paper under root with at most workers in flight,
// writes one result file per paper and the summary, and returns the summary.
func (e *Extractor) Batch(ctx context.Context, root, outDir string, workers int) (Summary, error) {
	dirs, err := Discover(root)
	if err != nil {
		return Summary{}, err
	}
	if len(dirs) == 0 {
		return Summary{}, fmt.Errorf("%s: %w", root, ErrNoPapers)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Summary{}, err
	}
	if workers < 1 {
		workers = 1
	}

	runID := uuid.NewString()
	e.log.Info("batch.start", "run_id", runID, "papers", len(dirs), "workers", workers, "output", outDir)

	results := make([]paperResult, len(dirs))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, dir := range dirs {
		g.Go(func() error {
			name := filepath.Base(dir)
			res := e.Extract(ctx, dir)
			_, werr := WriteResult(outDir, name, res)
			if werr != nil {
				e.log.Error("batch.write_failed", "paper", name, "error", werr)
			}
			results[i] = paperResult{name: name, result: res, writeErr: werr}
			return nil
		})
	}
	_ = g.Wait()

	summary := summarize(runID, results)
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return summary, err
	}
	if err := os.WriteFile(filepath.Join(outDir, SummaryFile), data, 0o644); err != nil {
		return summary, fmt.Errorf("write summary: %w", err)
	}
	e.log.Info("batch.done",
		"run_id", runID,
		"total", summary.TotalPapers,
		"valid", summary.ValidPapers,
		"invalid", summary.InvalidPapers,
		"specimens", summary.TotalSpecimens,
	)
	return summary, nil
}

func summarize(runID string, results []paperResult) Summary {
	s := Summary{RunID: runID, TotalPapers: len(results), Papers: make(map[string]PaperSummary, len(results))}
	for _, r := range results {
		count := r.result.Total()
		entry := PaperSummary{Specimens: count}
		switch {
		case r.writeErr != nil:
			entry.Status = StatusError
			note := r.writeErr.Error()
			entry.Notes = &note
		case count > 0:
			entry.Status = StatusSuccess
		default:
			entry.Status = StatusEmpty
			note := r.result.Reason
			entry.Notes = &note
		}
		s.Papers[r.name] = entry
		s.TotalSpecimens += count
		if entry.Status == StatusSuccess {
			s.ValidPapers++
		} else {
			s.InvalidPapers++
		}
	}
	return s
}
