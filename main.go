package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-cfst-extractor/internal/compat"
	"github.com/n0madic/go-cfst-extractor/internal/config"
	"github.com/n0madic/go-cfst-extractor/internal/extract"
	"github.com/n0madic/go-cfst-extractor/internal/logging"
	"github.com/n0madic/go-cfst-extractor/internal/metrics"
	"github.com/n0madic/go-cfst-extractor/internal/paper"
	"github.com/n0madic/go-cfst-extractor/internal/upstream"
)

//go:embed prompts/system_prompt.md
var systemPromptMD string

var version = "dev"

// cli holds state shared by the subcommands.
type cli struct {
	configPath string
	platform   string
	debug      bool
	cfg        *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	logging.Close()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "cfst-extractor",
		Short:        "CFST experimental data extractor (agent-based)",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", config.DefaultConfigFile, "Path to the YAML config file")
	root.PersistentFlags().StringVar(&c.platform, "platform", "", "Relay platform preset (custom|gemini|deepseek|cliproxy)")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "Enable debug logging and request dumps")

	root.AddCommand(c.singleCmd(), c.batchCmd(), c.platformsCmd(), c.transformCmd(), c.calcCmd())
	return root
}

// setup loads .env, the config file and the environment, applies global
// flags and installs the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv("."); err != nil {
		return err
	}
	optional := !cmd.Flags().Changed("config")
	cfg, err := config.Load(c.configPath, optional)
	if err != nil {
		return err
	}
	if c.platform != "" {
		cfg.Platform = strings.ToLower(strings.TrimSpace(c.platform))
	}
	if c.debug {
		cfg.Debug = true
	}
	c.cfg = cfg

	return logging.Setup(logging.Options{
		Debug:  cfg.Debug,
		ToFile: cfg.LoggingToFile,
		Dir:    cfg.LogDir,
		Stderr: cmd.ErrOrStderr(),
	})
}

func (c *cli) systemPrompt() (string, error) {
	if c.cfg.PromptFile == "" {
		return systemPromptMD, nil
	}
	data, err := os.ReadFile(c.cfg.PromptFile)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	return string(data), nil
}

// newExtractor validates the config and builds the client and extractor.
func (c *cli) newExtractor(m *metrics.Metrics) (*extract.Extractor, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	flags, err := c.cfg.CompatFlags()
	if err != nil {
		return nil, err
	}
	prompt, err := c.systemPrompt()
	if err != nil {
		return nil, err
	}
	if !compat.Known(c.cfg.Platform) {
		slog.Warn("unknown platform, using custom preset", "platform", c.cfg.Platform)
	}

	client := upstream.NewClient(c.cfg, flags, upstream.Options{Version: version, Metrics: m})
	return extract.New(client, c.cfg.Model, extract.Options{
		SystemPrompt:      prompt,
		MaxIterations:     c.cfg.MaxToolIterations,
		OutputRetries:     c.cfg.OutputRetries,
		MaxMarkdownTokens: c.cfg.MaxMarkdownTokens,
		Metrics:           m,
	}), nil
}

func (c *cli) singleCmd() *cobra.Command {
	var output, model string
	cmd := &cobra.Command{
		Use:   "single <parsed_dir>",
		Short: "Extract CFST data from one parsed paper directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("directory %s does not exist", dir)
			}
			if output != "" {
				c.cfg.OutputDir = output
			}
			if model != "" {
				c.cfg.Model = model
			}
			ext, err := c.newExtractor(nil)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			name := filepath.Base(filepath.Clean(dir))
			fmt.Fprintf(out, "Starting extraction for %s using %s...\n", name, ext.Model())
			result := ext.Extract(cmd.Context(), dir)
			path, err := extract.WriteResult(c.cfg.OutputDir, name, result)
			if err != nil {
				return fmt.Errorf("write result: %w", err)
			}

			counts := result.Counts()
			if result.Total() > 0 {
				fmt.Fprintf(out, "Valid paper. Extracted %d specimens: A=%d B=%d C=%d\n", result.Total(), counts.A, counts.B, counts.C)
				fmt.Fprintf(out, "Saved result to %s\n", path)
			} else {
				fmt.Fprintf(out, "No specimens extracted or extraction failed: %s\n", result.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory (default from config)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to use (default from config)")
	return cmd
}

func (c *cli) batchCmd() *cobra.Command {
	var (
		output, model, metricsAddr string
		workers                    int
	)
	cmd := &cobra.Command{
		Use:   "batch <parsed_root>",
		Short: "Extract CFST data from every parsed paper under a root directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" {
				c.cfg.OutputDir = output
			}
			if model != "" {
				c.cfg.Model = model
			}
			if workers > 0 {
				c.cfg.Workers = workers
			}
			if metricsAddr != "" {
				c.cfg.MetricsAddr = metricsAddr
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			m := metrics.New()
			if c.cfg.MetricsAddr != "" {
				go func() {
					if err := m.Serve(ctx, c.cfg.MetricsAddr); err != nil {
						slog.Error("metrics.serve", "error", err)
					}
				}()
			}

			ext, err := c.newExtractor(m)
			if err != nil {
				return err
			}
			summary, err := ext.Batch(ctx, args[0], c.cfg.OutputDir, c.cfg.Workers)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, name := range slices.Sorted(maps.Keys(summary.Papers)) {
				p := summary.Papers[name]
				switch p.Status {
				case extract.StatusSuccess:
					fmt.Fprintf(out, "  OK %s: %d specimens\n", name, p.Specimens)
				default:
					note := ""
					if p.Notes != nil {
						note = *p.Notes
					}
					fmt.Fprintf(out, "  %s %s: %s\n", strings.ToUpper(p.Status), name, note)
				}
			}
			fmt.Fprintf(out, "\nBatch Summary: %d papers, %d valid, %d specimens\n",
				summary.TotalPapers, summary.ValidPapers, summary.TotalSpecimens)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory (default from config)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to use (default from config)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of papers processed in parallel (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	return cmd
}

func (c *cli) platformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List relay platform presets and the effective compat flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			effective, err := c.cfg.CompatFlags()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tFLAGS\tDESCRIPTION")
			for _, p := range compat.Presets() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Flags.String(), p.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nconfigured platform: %s\neffective flags: %s\n",
				compat.Lookup(c.cfg.Platform).Name, effective.String())
			return nil
		},
	}
}

func (c *cli) transformCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "transform [file|-]",
		Short: "Apply the compat rewrite for the configured platform to a request body",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			flags, err := c.cfg.CompatFlags()
			if err != nil {
				return err
			}
			mw := compat.New(flags)
			out, changed, err := mw.TransformBody(endpoint, body)
			if err != nil {
				return err
			}
			slog.Debug("transform.done", "flags", flags.String(), "changed", changed)
			_, err = cmd.OutOrStdout().Write(append(out, '\n'))
			return err
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "/v1"+compat.DefaultEndpointSuffix, "Request path the body is sent to")
	return cmd
}

func (c *cli) calcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calc <expression>",
		Short: "Evaluate an expression with the agent's calculator",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := paper.Calc(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(v, 'f', -1, 64))
			return nil
		},
	}
}
