package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "CHIRP_LOG_LEVEL"
	EnvLogTimestamp = "CHIRP_LOG_TIMESTAMP"
	EnvLogNoColor   = "CHIRP_LOG_NOCOLOR"
	EnvLogBypass    = "CHIRP_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config selects the console output of the base logger.
// Bypass skips console formatting and writes raw JSON records.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Bypass    bool
	Out       io.Writer
}

var (
	configureOnce sync.Once

	mu   sync.RWMutex
	base = newLogger(defaultConfig(ProfileRuntime))
)

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

// Apply replaces the base logger. Extra writers receive every record as JSON
// in addition to the console output.
func Apply(cfg Config, extra ...io.Writer) {
	l := newLogger(cfg, extra...)
	mu.Lock()
	base = l
	mu.Unlock()
}

// New builds a logger from cfg without touching the base logger.
func New(cfg Config, extra ...io.Writer) zerolog.Logger {
	return newLogger(cfg, extra...)
}

// Logger returns the base logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component returns a child of the base logger tagged with component=name.
func Component(name string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", name).Logger()
}

// DefaultConfig returns the profile defaults before environment overrides.
func DefaultConfig(profile Profile) Config {
	return defaultConfig(profile)
}

func defaultConfig(profile Profile) Config {
	cfg := Config{
		Out:     os.Stdout,
		NoColor: !isatty.IsTerminal(os.Stdout.Fd()),
	}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

func newLogger(cfg Config, extra ...io.Writer) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	var console io.Writer = out
	if !cfg.Bypass {
		cw := zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
		if !cfg.Timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		console = cw
	}
	w := console
	if len(extra) > 0 {
		writers := append([]io.Writer{console}, extra...)
		w = zerolog.MultiLevelWriter(writers...)
	}
	ctx := zerolog.New(w).Level(cfg.Level).With()
	if cfg.Timestamp || len(extra) > 0 {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
}

// ParseLevel accepts zerolog level names plus the aliases used by process
// configuration files ("warning", "fatal", "off").
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "fatal":
		return zerolog.FatalLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
