// Package testlog wires zerolog output into the test log.
package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Str("test", t.Name()).Logger()
}
