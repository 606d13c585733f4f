// Package config loads per-bot and service-wide configuration from
// env-style files under the bots directory. The codec is deliberately
// strict about escaping so secrets round-trip byte for byte.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseEnv parses env-file content into a key/value map. Lines that are
// blank or start with # are skipped; invalid keys are skipped with a
// warning. Values may be wrapped in double quotes; escapes are resolved
// in a fixed order so that Quote is an exact inverse.
func ParseEnv(content string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !keyPattern.MatchString(key) {
			slog.Warn("env.invalid_key_skipped", "key", key)
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		value = strings.ReplaceAll(value, `\n`, "\n")
		value = strings.ReplaceAll(value, "\\`", "`")
		value = strings.ReplaceAll(value, `\$`, "$")
		value = strings.ReplaceAll(value, `\"`, `"`)
		value = strings.ReplaceAll(value, `\\`, `\`)
		out[key] = value
	}
	return out
}

// Quote renders value as a double-quoted env-file literal. Escapes are
// applied in the reverse order of ParseEnv.
func Quote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `"`, `\"`)
	value = strings.ReplaceAll(value, `$`, `\$`)
	value = strings.ReplaceAll(value, "`", "\\`")
	value = strings.ReplaceAll(value, "\n", `\n`)
	return `"` + value + `"`
}

// ParseEnvFile reads and parses path. A missing file yields an empty map:
// callers treat absent config as unset rather than fatal.
func ParseEnvFile(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("env.read_failed", "path", path, "error", err)
		}
		return map[string]string{}
	}
	return ParseEnv(string(data))
}

// WriteEnvFile writes vals to path atomically with 0600 permissions,
// emitting keys in sorted order.
func WriteEnvFile(path string, vals map[string]string, order []string) error {
	var b strings.Builder
	for _, k := range order {
		v, ok := vals[k]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", k, Quote(v))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".env-*")
	if err != nil {
		return fmt.Errorf("create temp env file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp env file: %w", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp env file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp env file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace env file: %w", err)
	}
	return nil
}
