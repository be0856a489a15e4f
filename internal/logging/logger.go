package logging

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Logger
}

func NewLogger(level, format string) *Logger {
	logger := logrus.New()
	logger.SetLevel(parseLevel(level))

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return &Logger{Logger: logger}
}

// ForPulumi returns a logger whose entries go to the Pulumi engine, so
// they show up in the diagnostics of `pulumi up` instead of raw stderr.
func ForPulumi(ctx *pulumi.Context, level string) *Logger {
	logger := logrus.New()
	logger.SetLevel(parseLevel(level))
	logger.SetOutput(io.Discard)
	logger.AddHook(&PulumiHook{log: ctx.Log})
	return &Logger{Logger: logger}
}

// WithService scopes entries to one service descriptor.
func (l *Logger) WithService(name string) *logrus.Entry {
	return l.WithField("service", name)
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// PulumiHook forwards logrus entries to a Pulumi engine log.
type PulumiHook struct {
	log pulumi.Log
}

func (h *PulumiHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *PulumiHook) Fire(entry *logrus.Entry) error {
	msg := render(entry)
	switch entry.Level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return h.log.Debug(msg, nil)
	case logrus.InfoLevel:
		return h.log.Info(msg, nil)
	case logrus.WarnLevel:
		return h.log.Warn(msg, nil)
	default:
		return h.log.Error(msg, nil)
	}
}

func render(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return entry.Message
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(entry.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	return b.String()
}
