package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. LOG_LEVEL and LOG_FORMAT (json|text) select
// level and formatter; every entry carries the service name.
func New(service string) *logrus.Entry {
	return NewWithOutput(service, os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

func NewWithOutput(service string, out io.Writer, level, format string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(out)
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true})
	}
	service = strings.TrimSpace(service)
	if service == "" {
		service = "gravitas"
	}
	return l.WithField("service", service)
}

// Discard returns a logger that drops everything; components use it when
// constructed without one.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return Discard()
	}
	return log
}
