// Package logging installs the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	Debug bool
	// ToFile sends output to a rotating file under Dir instead of stderr.
	ToFile bool
	Dir    string
	// Stderr overrides the console writer; used by tests.
	Stderr io.Writer
}

var (
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// Setup replaces slog's default logger according to opts. Calling it again
// closes any previously opened log file.
func Setup(opts Options) error {
	writerMu.Lock()
	defer writerMu.Unlock()

	var out io.Writer = os.Stderr
	if opts.Stderr != nil {
		out = opts.Stderr
	}

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if opts.ToFile {
		dir := opts.Dir
		if dir == "" {
			dir = "logs"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("logging: failed to create log directory: %w", err)
		}
		logWriter = &lumberjack.Logger{
			Filename:   filepath.Join(dir, "cfst-extractor.log"),
			MaxSize:    10,
			MaxBackups: 5,
		}
		out = logWriter
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return nil
}

// Close flushes and closes the log file, if one is open.
func Close() {
	writerMu.Lock()
	defer writerMu.Unlock()
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
}
