package config

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// AppName prefixes the User-Agent sent upstream.
const AppName = "cfst-extractor"

var (
	cachedOSVersionOnce sync.Once
	cachedOSVersion     string
)

// UserAgent builds "<app>/<version> (<os_type> <os_version>; <arch>)".
func UserAgent(version string) string {
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	ua := fmt.Sprintf("%s/%s (%s %s; %s)", AppName, version, osType(), osVersion(), archName())
	if isValidHeaderValue(ua) {
		return ua
	}
	return sanitizePrintableASCII(ua)
}

func osType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Mac OS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

func archName() string {
	if runtime.GOARCH == "amd64" {
		return "x86_64"
	}
	return runtime.GOARCH
}

func osVersion() string {
	cachedOSVersionOnce.Do(func() {
		cachedOSVersion = detectOSVersion()
		if cachedOSVersion == "" {
			cachedOSVersion = "unknown"
		}
	})
	return cachedOSVersion
}

func detectOSVersion() string {
	switch runtime.GOOS {
	case "darwin":
		if out, err := exec.Command("sw_vers", "-productVersion").Output(); err == nil {
			return strings.TrimSpace(string(out))
		}
	case "linux":
		data, err := os.ReadFile("/etc/os-release")
		if err != nil {
			return ""
		}
		return parseOSRelease(string(data))
	}
	return ""
}

// parseOSRelease extracts VERSION_ID (or VERSION) from os-release content.
func parseOSRelease(content string) string {
	values := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if parsed, err := strconv.Unquote(v); err == nil {
			v = parsed
		} else {
			v = strings.Trim(v, "\"")
		}
		values[strings.TrimSpace(k)] = v
	}
	for _, key := range []string{"VERSION_ID", "VERSION"} {
		if v := strings.TrimSpace(values[key]); v != "" {
			return v
		}
	}
	return ""
}

func sanitizePrintableASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= ' ' && r <= '~' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isValidHeaderValue(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		if r < ' ' || r == 0x7f || r > '~' {
			return false
		}
	}
	return true
}
