package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Settings configure the process-wide logger. Format "text" renders through
// the console writer, "json" emits raw zerolog lines. File, when set, adds a
// size-rotated sink next to the terminal output.
type Settings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	WithCaller bool   `mapstructure:"with_caller"`
}

func Defaults() Settings {
	return Settings{Level: "info", Format: "text"}
}

// Init replaces the global zerolog logger according to the settings. Safe to
// call again when configuration is reloaded.
func Init(s Settings) error {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
	if err != nil {
		return errors.Wrapf(err, "logging: unknown level %q", s.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var sinks []io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "text":
		sinks = append(sinks, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
			TimeFormat: "15:04:05",
		})
	case "json":
		sinks = append(sinks, os.Stderr)
	default:
		return errors.Errorf("logging: unknown format %q", s.Format)
	}

	if s.File != "" {
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(level).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}
