package config

import (
	"strings"
	"testing"
)

func TestUserAgentFormat(t *testing.T) {
	ua := UserAgent("1.2.3")
	if !strings.HasPrefix(ua, AppName+"/1.2.3 (") {
		t.Fatalf("ua missing app prefix: %q", ua)
	}
	if !strings.HasSuffix(ua, "; "+archName()+")") {
		t.Fatalf("ua missing arch: %q", ua)
	}
	if !isValidHeaderValue(ua) {
		t.Fatalf("ua is not a valid header value: %q", ua)
	}
}

func TestUserAgentDefaultsVersion(t *testing.T) {
	if ua := UserAgent(""); !strings.HasPrefix(ua, AppName+"/dev ") {
		t.Fatalf("got %q", ua)
	}
}

func TestParseOSRelease(t *testing.T) {
	content := "# comment\nNAME=\"Debian GNU/Linux\"\nVERSION=\"12 (bookworm)\"\nVERSION_ID=\"12\"\n"
	if got := parseOSRelease(content); got != "12" {
		t.Fatalf("got %q, want 12", got)
	}
	if got := parseOSRelease("VERSION=rolling\n"); got != "rolling" {
		t.Fatalf("got %q, want rolling", got)
	}
}

func TestSanitizePrintableASCII(t *testing.T) {
	if got := sanitizePrintableASCII("a\tb✓"); got != "a_b_" {
		t.Fatalf("got %q", got)
	}
}
