package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "RTMLINK_LOG_LEVEL"
	EnvLogNoColor = "RTMLINK_LOG_NOCOLOR"
)

// InitLogger builds the process logger: console output, timestamps, level
// and color taken from the environment when set.
func InitLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    envBool(EnvLogNoColor),
	}
	logger := zerolog.New(output).
		Level(envLevel(EnvLogLevel, zerolog.InfoLevel)).
		With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

func envLevel(key string, fallback zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return fallback
	}
}

func envBool(key string) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return v
}
