package testlog

import (
	"testing"

	"github.com/danmuck/chirp/internal/logging"
	"github.com/rs/zerolog"
)

// Start configures the test log profile and returns a logger tagged with the
// test name.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	l := logging.Logger().With().Str("test", t.Name()).Logger()
	l.Info().Msg("test started")
	return l
}
