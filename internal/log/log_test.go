package log

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/labkit/correlation"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		format string
		level  string
		logger *logrus.Logger
	}{
		{
			desc:   "json format with info level",
			format: "json",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc: "empty format keeps formatter",
			logger: &logrus.Logger{
				Level: logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with warn level",
			format: "text",
			level:  "warn",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.WarnLevel,
			},
		},
		{
			desc:   "invalid level falls back to info",
			format: "text",
			level:  "loud",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			loggers := []*logrus.Logger{{}, {}}
			require.NoError(t, Configure(loggers, Config{Format: tc.format, Level: tc.level}))
			require.Equal(t, []*logrus.Logger{tc.logger, tc.logger}, loggers)
		})
	}
}

func TestConfigure_invalidFormat(t *testing.T) {
	logger := &logrus.Logger{Level: logrus.DebugLevel}

	err := Configure([]*logrus.Logger{logger}, Config{Format: "xml", Level: "error"})
	require.EqualError(t, err, `invalid logger format "xml"`)
	require.Equal(t, logrus.DebugLevel, logger.Level)
}

func TestWithCorrelation(t *testing.T) {
	logger, hook := test.NewNullLogger()

	t.Run("generates an id", func(t *testing.T) {
		ctx, l := WithCorrelation(context.Background(), logger)
		id := correlation.ExtractFromContext(ctx)
		require.NotEmpty(t, id)

		l.Info("hello")
		require.Equal(t, id, hook.LastEntry().Data[correlationIDField])
	})

	t.Run("keeps an existing id", func(t *testing.T) {
		ctx := correlation.ContextWithCorrelation(context.Background(), "fixed")
		ctx, l := WithCorrelation(ctx, logger)
		require.Equal(t, "fixed", correlation.ExtractFromContext(ctx))

		l.Info("hello")
		require.Equal(t, "fixed", hook.LastEntry().Data[correlationIDField])
	})
}
