package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

// run executes the CLI with args and returns stdout. The working directory
// is a fresh temp dir so no stray config.yaml or .env is picked up.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, key := range []string{"CFST_PLATFORM", "CFST_COMPAT_FLATTEN_DEFS", "CFST_COMPAT_FIX_TOOL_CHOICE", "CFST_COMPAT_FIX_ANYOF", "CFST_COMPAT_XHIGH", "CFST_DEBUG", "CFST_LOG_FILE"} {
		t.Setenv(key, "")
	}

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCalcCommand(t *testing.T) {
	out, err := run(t, "", "calc", "219", "-", "2", "*", "6")
	if err != nil {
		t.Fatalf("calc: %v", err)
	}
	if strings.TrimSpace(out) != "207" {
		t.Fatalf("got %q, want 207", out)
	}
	if _, err := run(t, "", "calc", "1/0"); err == nil {
		t.Fatal("expected division error")
	}
}

func TestTransformCommand(t *testing.T) {
	body := `{"model":"m","tool_choice":"required","tools":[{"type":"function","function":{"name":"final_result","parameters":{"$defs":{"P":{"type":"object"}},"type":"object","properties":{"p":{"$ref":"#/$defs/P"}}}}}]}`
	out, err := run(t, body, "--platform", "cliproxy", "transform")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	doc := gjson.Parse(out)
	if got := doc.Get("tool_choice").String(); got != "auto" {
		t.Errorf("tool_choice: got %q", got)
	}
	if doc.Get("tools.0.function.parameters.$defs").Exists() {
		t.Error("$defs must be removed")
	}
	if got := doc.Get("tools.0.function.parameters.properties.p.type").String(); got != "object" {
		t.Errorf("inlined ref: got %q", got)
	}
	if got := doc.Get("xhigh").Bool(); !got {
		t.Error("cliproxy must inject xhigh")
	}
}

func TestTransformCommandCustomPlatformIsIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "body.json")
	body := `{"tool_choice": "required"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "", "transform", path)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if strings.TrimSpace(out) != body {
		t.Fatalf("got %q, want body unchanged", out)
	}
}

func TestPlatformsCommand(t *testing.T) {
	out, err := run(t, "", "--platform", "gemini", "platforms")
	if err != nil {
		t.Fatalf("platforms: %v", err)
	}
	for _, want := range []string{"cliproxy", "deepseek", "gemini", "custom", "configured platform: gemini"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSingleCommandRequiresDirectory(t *testing.T) {
	if _, err := run(t, "", "single", "does-not-exist"); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestExplicitConfigMustExist(t *testing.T) {
	if _, err := run(t, "", "--config", "absent.yaml", "platforms"); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}
