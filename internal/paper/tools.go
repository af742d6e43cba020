package paper

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tiktoken-go/tokenizer"
)

// TruncationMarker is appended when ReadMarkdown cuts a document short.
const TruncationMarker = "\n\n[... truncated to fit the token budget ...]"

var (
	ErrOutsidePaper = errors.New("path escapes the paper directory")
	ErrNotImage     = errors.New("file is not an image")
)

// ListFiles returns every file under dir as a sorted slash-separated path
// relative to dir. A missing directory yields a one-line message instead of
// an error so the agent can read it.
func ListFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return []string{fmt.Sprintf("error: directory %s does not exist", dir)}, nil
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// FindMarkdown returns the main Markdown file of a paper directory: the
// first one under an "auto" directory, otherwise the first one found.
func FindMarkdown(dir string) (string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".md") {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fs.ErrNotExist
	}
	slices.Sort(found)
	for _, path := range found {
		rel, err := filepath.Rel(dir, path)
		if err == nil && strings.Contains(filepath.ToSlash(rel), "auto") {
			return path, nil
		}
	}
	return found[0], nil
}

// ReadMarkdown returns the text of the paper's main Markdown file. With
// maxTokens > 0 the text is cut to that many cl100k tokens. Problems are
// reported as message text for the agent.
func ReadMarkdown(dir string, maxTokens int) string {
	path, err := FindMarkdown(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("no Markdown file found in %s", dir)
	}
	if err != nil {
		return fmt.Sprintf("error searching %s: %v", dir, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("error reading %s: %v", filepath.Base(path), err)
	}
	text := string(data)
	if maxTokens > 0 {
		text = truncateTokens(text, maxTokens)
	}
	return text
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func markdownCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// truncateTokens keeps the first limit tokens of text. If the tokenizer is
// unavailable the text is returned whole.
func truncateTokens(text string, limit int) string {
	enc, err := markdownCodec()
	if err != nil {
		return text
	}
	ids, _, err := enc.Encode(text)
	if err != nil || len(ids) <= limit {
		return text
	}
	head, err := enc.Decode(ids[:limit])
	if err != nil {
		return text
	}
	return head + TruncationMarker
}

// Image is an image file read for the agent.
type Image struct {
	Path     string
	MIMEType string
	Data     []byte
}

// DataURL encodes the image as a base64 data URL.
func (img Image) DataURL() string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// InspectImage reads the image at rel, a path relative to dir. The path must
// stay inside dir and the content must sniff as an image.
func InspectImage(dir, rel string) (Image, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return Image{}, fmt.Errorf("%s: %w", rel, ErrOutsidePaper)
	}
	full := filepath.Join(dir, clean)
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return Image{}, fmt.Errorf("image not found: %s, call list_directory_files to check the available paths", rel)
	}
	if err != nil {
		return Image{}, err
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Image{}, fmt.Errorf("%s (%s): %w", rel, mt.String(), ErrNotImage)
	}
	return Image{Path: filepath.ToSlash(clean), MIMEType: mt.String(), Data: data}, nil
}
