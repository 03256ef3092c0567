package internal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const PermissionsDefault = 0o744

// NewLogger creates the process logger. The returned closer flushes the
// rotated log file, if any.
func NewLogger(configuration LoggingConfiguration) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(configuration.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", configuration.Level, err)
	}

	writers := make([]io.Writer, 0, 2)

	var closer io.Closer = io.NopCloser(nil)

	if configuration.ConsoleLogging {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Stamp,
		})
	}

	if configuration.FileLogging {
		if err := os.MkdirAll(filepath.Dir(configuration.Filename), PermissionsDefault); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file := &lumberjack.Logger{
			Filename:   configuration.Filename,
			MaxSize:    configuration.MaxSize,
			MaxBackups: configuration.MaxBackups,
			MaxAge:     configuration.MaxAge,
			Compress:   configuration.Compress,
		}

		writers = append(writers, file)
		closer = file
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().
		Logger()

	return logger, closer, nil
}
