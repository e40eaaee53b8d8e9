// Package log wraps logrus with the field set every loader component
// attaches: base folder, stage, and attempt number, so a batch's whole
// run can be grepped out of the process log by its base folder alone.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around *logrus.Entry restricted to the
// fields the loader actually threads through — base, stage, attempt —
// rather than exposing logrus's full field API everywhere.
type Logger struct {
	entry *logrus.Entry
}

// New builds the root logger. JSON output is used unconditionally: this
// process only ever runs unattended, so a human-readable console
// formatter has no audience (spec.md §6: monitoring payloads are
// consumed by machines).
func New(level string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		base.SetLevel(lvl)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
	return &Logger{entry: logrus.NewEntry(base)}
}

// WithBase returns a Logger scoped to one batch's base folder.
func (l *Logger) WithBase(base string) *Logger {
	return &Logger{entry: l.entry.WithField("base", base)}
}

// WithStage returns a Logger additionally scoped to a load stage.
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{entry: l.entry.WithField("stage", stage)}
}

// WithAttempt returns a Logger additionally scoped to a retry attempt
// number.
func (l *Logger) WithAttempt(attempt int) *Logger {
	return &Logger{entry: l.entry.WithField("attempt", attempt)}
}

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
