package process

import (
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/chirp/internal/config"
	"github.com/danmuck/chirp/internal/logging"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

const (
	DefaultLocation = "/"
	DefaultTimeout  = 3 * time.Second
)

// Settings is the resolved process configuration: file values overlaid by
// command-line flags.
type Settings struct {
	Connect         string
	Timeout         time.Duration
	Identification  string
	Location        string
	StdoutLevel     zerolog.Level
	ComponentLevels map[string]zerolog.Level
	Config          config.Tree
	Files           []string
}

// Target splits Connect into host and port. ok is false when no target is
// configured.
func (s Settings) Target() (host string, port int, ok bool, err error) {
	if s.Connect == "" {
		return "", 0, false, nil
	}
	host, portStr, err := net.SplitHostPort(s.Connect)
	if err != nil {
		return "", 0, false, fmt.Errorf("process: connect target %q: %w", s.Connect, err)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false, fmt.Errorf("process: connect target %q: invalid port", s.Connect)
	}
	return host, port, true, nil
}

// TerminalName resolves name relative to the process location.
func (s Settings) TerminalName(name string) string {
	return path.Join(s.Location, name)
}

// LoadSettings merges the configuration files named by f and applies the
// chirp and logging sections, then the flags.
func LoadSettings(f Flags) (Settings, error) {
	s := Settings{
		Timeout:         DefaultTimeout,
		Location:        DefaultLocation,
		StdoutLevel:     zerolog.InfoLevel,
		ComponentLevels: map[string]zerolog.Level{},
		Config:          config.Tree{},
	}
	if len(f.ConfigFiles) > 0 {
		tree, files, err := config.LoadFiles(f.ConfigFiles...)
		if err != nil {
			return Settings{}, err
		}
		s.Config, s.Files = tree, files
	}
	if err := s.applyTree(); err != nil {
		return Settings{}, err
	}

	if f.ConnectSet {
		s.Connect = f.Connect
	}
	if f.TimeoutSet {
		s.Timeout = transport.DecodeTimeout(f.Timeout)
	}
	if f.IdentificationSet {
		s.Identification = f.Identification
	}
	if f.LocationSet {
		s.Location = f.Location
	}

	s.Location = path.Clean("/" + strings.TrimSpace(s.Location))
	if _, _, _, err := s.Target(); err != nil {
		return Settings{}, err
	}
	if len(s.Identification) > transport.MaxRemoteIdentification {
		return Settings{}, fmt.Errorf("process: identification longer than %d bytes", transport.MaxRemoteIdentification)
	}
	return s, nil
}

func (s *Settings) applyTree() error {
	t := s.Config
	var err error
	if t.Has("chirp.connect") {
		if s.Connect, err = t.String("chirp.connect"); err != nil {
			return err
		}
	}
	if t.Has("chirp.timeout") {
		ms, err := t.Int("chirp.timeout")
		if err != nil {
			return err
		}
		s.Timeout = transport.DecodeTimeout(ms)
	}
	if t.Has("chirp.identification") {
		if s.Identification, err = t.String("chirp.identification"); err != nil {
			return err
		}
	}
	if t.Has("chirp.location") {
		if s.Location, err = t.String("chirp.location"); err != nil {
			return err
		}
	}
	if t.Has("logging.stdout_level") {
		raw, err := t.String("logging.stdout_level")
		if err != nil {
			return err
		}
		lvl, ok := logging.ParseLevel(raw)
		if !ok {
			return fmt.Errorf("process: logging.stdout_level %q unknown", raw)
		}
		s.StdoutLevel = lvl
	}
	for _, name := range t.Keys("logging.logger_specific_level") {
		key := "logging.logger_specific_level." + name
		raw, err := t.String(key)
		if err != nil {
			return err
		}
		lvl, ok := logging.ParseLevel(raw)
		if !ok {
			return fmt.Errorf("process: %s %q unknown", key, raw)
		}
		s.ComponentLevels[strings.ToLower(name)] = lvl
	}
	return nil
}
