// Package log configures the logrus loggers of the geo daemon and ties log
// entries to the correlation ID of the work they describe.
package log

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
)

const (
	// LogTimestampFormat defines the timestamp format in log files
	LogTimestampFormat = "2006-01-02T15:04:05.000Z"

	correlationIDField = "correlation_id"
)

var (
	defaultLogger = logrus.StandardLogger()

	// Loggers lists every logger Configure applies to by default.
	Loggers = []*logrus.Logger{defaultLogger}
)

func init() {
	// Until the configuration is loaded entries go to stdout.
	defaultLogger.Out = os.Stdout
}

// Config contains logging configuration values
type Config struct {
	// Format is "json", "text" or empty to keep the logrus default.
	Format string `toml:"format,omitempty" envconfig:"format"`
	// Level is a logrus level name. Unknown names mean info.
	Level string `toml:"level,omitempty" envconfig:"level"`
}

func (c Config) formatter() (logrus.Formatter, error) {
	switch c.Format {
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}, nil
	case "text":
		return &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid logger format %q", c.Format)
	}
}

func (c Config) level() logrus.Level {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Configure applies conf to loggers. Loggers are left untouched when the
// format is invalid.
func Configure(loggers []*logrus.Logger, conf Config) error {
	formatter, err := conf.formatter()
	if err != nil {
		return err
	}

	level := conf.level()
	for _, l := range loggers {
		l.SetLevel(level)
		if formatter != nil {
			l.Formatter = formatter
		}
	}
	return nil
}

// Default is the base entry of the process, tagged with its pid.
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// WithCorrelation returns a context carrying a fresh correlation ID unless the
// context already has one, together with a logger annotated with that ID.
func WithCorrelation(ctx context.Context, logger logrus.FieldLogger) (context.Context, logrus.FieldLogger) {
	id := correlation.ExtractFromContext(ctx)
	if id == "" {
		id = correlation.SafeRandomID()
		ctx = correlation.ContextWithCorrelation(ctx, id)
	}

	return ctx, logger.WithField(correlationIDField, id)
}
