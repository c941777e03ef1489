package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"warning":  zerolog.WarnLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"off":      zerolog.Disabled,
		"fatal":    zerolog.FatalLevel,
		"trace":    zerolog.TraceLevel,
		"inactive": zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestApplyFansOutToExtraWriters(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	})

	var console, extra bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, NoColor: true, Out: &console}, &extra)
	log := Component("binding")
	log.Info().Str("op", "establish").Msg("binding established")
	log.Debug().Msg("filtered")

	if !strings.Contains(console.String(), "binding established") {
		t.Fatalf("console output missing record: %q", console.String())
	}
	if strings.Contains(console.String(), "filtered") {
		t.Fatalf("debug record must be filtered at info level")
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(extra.Bytes()), &rec); err != nil {
		t.Fatalf("extra writer should receive json: %v (%q)", err, extra.String())
	}
	if rec["component"] != "binding" || rec["op"] != "establish" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec[zerolog.TimestampFieldName]; !ok {
		t.Fatalf("forwarded records need a timestamp: %v", rec)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogNoColor, "1")
	t.Setenv(EnvLogBypass, "nope")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || !cfg.Timestamp || !cfg.NoColor || cfg.Bypass {
		t.Fatalf("unexpected config after overrides: %+v", cfg)
	}
}
