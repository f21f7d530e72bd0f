package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// ConfigureLogger sets up the global zerolog logger. Outside production it
// pretty prints with timestamps; the level comes from LOG_LEVEL.
func ConfigureLogger(cfg *Config) error {
	return configureLogger(cfg, os.Stdout)
}

func configureLogger(cfg *Config, out io.Writer) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	if cfg.IsProduction() {
		zlog.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(level)
	return nil
}
