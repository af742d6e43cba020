package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-cfst-extractor/internal/json"
	"github.com/n0madic/go-cfst-extractor/internal/paper"
)

// Names of the paper tools offered to the model.
const (
	ToolListFiles    = "list_directory_files"
	ToolReadMarkdown = "read_markdown"
	ToolCalc         = "execute_python_calc"
	ToolInspectImage = "inspect_image"
)

func noParams() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func stringParam(name, description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			name: map[string]any{"type": "string", "description": description},
		},
		"required": []any{name},
	}
}

func requiredString(args []byte, name string) (string, error) {
	v := gjson.GetBytes(args, name)
	if v.Type != gjson.String || v.Str == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return v.Str, nil
}

// PaperTools binds the paper tools to one parsed-paper directory.
func PaperTools(dir string, maxMarkdownTokens int) []Tool {
	return []Tool{
		{
			Name:        ToolListFiles,
			Description: "List every file in the current paper directory as paths relative to it.",
			Parameters:  noParams(),
			Run: func(context.Context, []byte) (Result, error) {
				files, err := paper.ListFiles(dir)
				if err != nil {
					return Result{}, err
				}
				out, err := json.Marshal(files)
				if err != nil {
					return Result{}, err
				}
				return Result{Text: string(out)}, nil
			},
		},
		{
			Name:        ToolReadMarkdown,
			Description: "Read the full Markdown text parsed from the paper, including its tables.",
			Parameters:  noParams(),
			Run: func(context.Context, []byte) (Result, error) {
				return Result{Text: paper.ReadMarkdown(dir, maxMarkdownTokens)}, nil
			},
		},
		{
			Name: ToolCalc,
			Description: "Evaluate a one-line arithmetic expression (+ - * / ** and parentheses) and return the exact value. " +
				"Use it for unit conversions and derived dimensions.",
			Parameters: stringParam("expression", "Arithmetic expression, e.g. 219 - 2 * 6"),
			Run: func(_ context.Context, args []byte) (Result, error) {
				expr, err := requiredString(args, "expression")
				if err != nil {
					return Result{}, err
				}
				v, err := paper.Calc(expr)
				if err != nil {
					return Result{}, err
				}
				return Result{Text: strconv.FormatFloat(v, 'f', -1, 64)}, nil
			},
		},
		{
			Name:        ToolInspectImage,
			Description: "Look at an image from the paper directory, e.g. a table or loading-setup figure, to check OCR results.",
			Parameters:  stringParam("image_path", "Image path relative to the paper directory, e.g. auto/images/table_2.jpg"),
			Run: func(_ context.Context, args []byte) (Result, error) {
				rel, err := requiredString(args, "image_path")
				if err != nil {
					return Result{}, err
				}
				img, err := paper.InspectImage(dir, rel)
				if errors.Is(err, paper.ErrOutsidePaper) {
					return Result{}, fmt.Errorf("%w, use a path from %s", err, ToolListFiles)
				}
				if err != nil {
					return Result{}, err
				}
				return Result{Text: "Image " + img.Path + ":", ImageURL: img.DataURL()}, nil
			},
		},
	}
}
