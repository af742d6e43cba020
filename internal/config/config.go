package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/n0madic/go-cfst-extractor/internal/compat"
)

const (
	DefaultConfigFile = "config.yaml"
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultModel      = "gemini-2.5-pro"
)

// OAuth2Config enables client-credentials auth against an API gateway.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token-url"`
	ClientID     string   `yaml:"client-id"`
	ClientSecret string   `yaml:"client-secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether enough is configured to request tokens.
func (o OAuth2Config) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != ""
}

// Config holds all extractor configuration.
type Config struct {
	BaseURL  string `yaml:"base-url"`
	APIKey   string `yaml:"api-key"`
	Model    string `yaml:"model"`
	Platform string `yaml:"platform"`
	// Compat holds per-flag overrides on top of the platform preset.
	Compat map[string]bool `yaml:"compat"`

	Workers           int           `yaml:"workers"`
	OutputDir         string        `yaml:"output-dir"`
	OutputRetries     int           `yaml:"output-retries"`
	MaxToolIterations int           `yaml:"max-tool-iterations"`
	MaxMarkdownTokens int           `yaml:"max-markdown-tokens"`
	RequestTimeout    time.Duration `yaml:"request-timeout"`
	MaxRetries        int           `yaml:"max-retries"`
	PromptFile        string        `yaml:"prompt-file"`

	Debug         bool   `yaml:"debug"`
	LoggingToFile bool   `yaml:"logging-to-file"`
	LogDir        string `yaml:"log-dir"`
	MetricsAddr   string `yaml:"metrics-addr"`

	OAuth2 OAuth2Config `yaml:"oauth2"`
	// ExtraBody fields are merged into every chat-completions request body.
	ExtraBody map[string]any `yaml:"extra-body"`
}

// Default returns a Config with built-in defaults and no environment applied.
func Default() *Config {
	return &Config{
		BaseURL:           DefaultBaseURL,
		Model:             DefaultModel,
		Platform:          compat.CustomPlatform,
		Workers:           3,
		OutputDir:         "output",
		OutputRetries:     3,
		MaxToolIterations: 30,
		RequestTimeout:    5 * time.Minute,
		MaxRetries:        2,
		LogDir:            "logs",
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. With optional set, a missing or empty file is not
// an error.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case optional && (errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.EISDIR)):
		data = nil
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.canonicalizeCompat(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads dir/.env into the process environment. Variables that are
// already set keep their values. A missing file is ignored.
func LoadDotEnv(dir string) error {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// canonicalizeCompat rewrites file keys such as "fix_anyof" to their
// canonical names so environment values replace them. Unknown names are kept
// for Validate to report.
func (c *Config) canonicalizeCompat() error {
	if len(c.Compat) == 0 {
		return nil
	}
	out := make(map[string]bool, len(c.Compat))
	for k, v := range c.Compat {
		name, _ := compat.CanonicalFlag(k)
		if prev, dup := out[name]; dup && prev != v {
			return fmt.Errorf("%w: %q", compat.ErrDuplicateFlag, name)
		}
		out[name] = v
	}
	c.Compat = out
	return nil
}

var compatEnv = map[string]string{
	"CFST_COMPAT_FLATTEN_DEFS":    compat.FlagFlattenDefs,
	"CFST_COMPAT_FIX_TOOL_CHOICE": compat.FlagFixToolChoice,
	"CFST_COMPAT_FIX_ANYOF":       compat.FlagFixAnyOf,
	"CFST_COMPAT_XHIGH":           compat.FlagXHigh,
}

func (c *Config) applyEnv() error {
	if v, ok := envString("CFST_BASE_URL", "OPENAI_BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := envString("CFST_API_KEY", "OPENAI_API_KEY"); ok {
		c.APIKey = v
	}
	if v, ok := envString("CFST_MODEL"); ok {
		c.Model = v
	}
	c.Platform = envOrDefault("CFST_PLATFORM", c.Platform)
	if v, ok := envString("CFST_OUTPUT_DIR"); ok {
		c.OutputDir = v
	}
	if v, ok := envString("CFST_PROMPT_FILE"); ok {
		c.PromptFile = v
	}
	if v, ok := envString("CFST_LOG_DIR"); ok {
		c.LogDir = v
	}
	if v, ok := envString("CFST_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}

	for key, dst := range map[string]*int{
		"CFST_WORKERS":             &c.Workers,
		"CFST_OUTPUT_RETRIES":      &c.OutputRetries,
		"CFST_MAX_TOOL_ITERATIONS": &c.MaxToolIterations,
		"CFST_MAX_MARKDOWN_TOKENS": &c.MaxMarkdownTokens,
		"CFST_MAX_RETRIES":         &c.MaxRetries,
	} {
		if err := envInt(key, dst); err != nil {
			return err
		}
	}
	if v, ok := envString("CFST_REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CFST_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}

	if v, ok := envBoolSet("CFST_DEBUG"); ok {
		c.Debug = v
	}
	if v, ok := envBoolSet("CFST_LOG_FILE"); ok {
		c.LoggingToFile = v
	}
	for key, flag := range compatEnv {
		if v, ok := envBoolSet(key); ok {
			if c.Compat == nil {
				c.Compat = make(map[string]bool)
			}
			c.Compat[flag] = v
		}
	}

	if v, ok := envString("CFST_OAUTH2_TOKEN_URL"); ok {
		c.OAuth2.TokenURL = v
	}
	if v, ok := envString("CFST_OAUTH2_CLIENT_ID"); ok {
		c.OAuth2.ClientID = v
	}
	if v, ok := envString("CFST_OAUTH2_CLIENT_SECRET"); ok {
		c.OAuth2.ClientSecret = v
	}
	if v, ok := envString("CFST_OAUTH2_SCOPES"); ok {
		c.OAuth2.Scopes = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}
	return nil
}

// Validate checks the values the extractor cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base-url %q is not an absolute URL", c.BaseURL))
	}
	if strings.TrimSpace(c.Model) == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.OutputRetries < 0 {
		errs = append(errs, fmt.Errorf("output-retries must not be negative, got %d", c.OutputRetries))
	}
	if c.MaxToolIterations < 1 {
		errs = append(errs, fmt.Errorf("max-tool-iterations must be at least 1, got %d", c.MaxToolIterations))
	}
	if c.MaxMarkdownTokens < 0 {
		errs = append(errs, fmt.Errorf("max-markdown-tokens must not be negative, got %d", c.MaxMarkdownTokens))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request-timeout must not be negative, got %s", c.RequestTimeout))
	}
	if c.OAuth2.TokenURL != "" && c.OAuth2.ClientID == "" {
		errs = append(errs, errors.New("oauth2.client-id is required with oauth2.token-url"))
	}
	if _, err := compat.ParseOverrides(c.Compat); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CompatFlags resolves the platform preset with the configured overrides.
func (c *Config) CompatFlags() (compat.Flags, error) {
	o, err := compat.ParseOverrides(c.Compat)
	if err != nil {
		return compat.Flags{}, err
	}
	return compat.Resolve(c.Platform, o), nil
}

// envString returns the first non-blank value among keys.
func envString(keys ...string) (string, bool) {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v, true
		}
	}
	return "", false
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return defaultVal
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// envBoolSet is envBool that also reports whether the variable was set.
func envBoolSet(key string) (bool, bool) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return false, false
	}
	return envBool(key), true
}

func envInt(key string, dst *int) error {
	v, ok := envString(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
