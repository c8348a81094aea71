package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"trace":   zerolog.TraceLevel,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be ignored")
	}
	if _, ok := parseLevel(""); ok {
		t.Fatalf("expected empty level to be ignored")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogNoColor, "nope")
	t.Setenv(EnvLogFile, "/tmp/bg.log")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if !cfg.Timestamp {
		t.Fatalf("expected timestamp override")
	}
	if !cfg.NoColor {
		t.Fatalf("invalid bool must keep the profile default")
	}
	if cfg.File != "/tmp/bg.log" {
		t.Fatalf("unexpected file: %q", cfg.File)
	}
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.log")
	cfg := defaultConfig(ProfileTest)
	cfg.File = path

	var console bytes.Buffer
	logger := New(cfg, &console)
	logger.Info().Str("k", "v").Msg("hello")
	logger.Trace().Msg("hidden")
	if err := Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if !strings.Contains(console.String(), "hello") {
		t.Fatalf("console missing message: %q", console.String())
	}
	if strings.Contains(console.String(), "hidden") {
		t.Fatalf("trace should be filtered at debug level")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !strings.Contains(string(raw), `"message":"hello"`) || !strings.Contains(string(raw), `"k":"v"`) {
		t.Fatalf("file sink missing json line: %q", raw)
	}
}
