// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — Cold-path diagnostics & contract panics
//
// Purpose:
//   - Logs infrequent scheduler events: fail-safe demotions, recommendation
//     failsafe transitions, power state changes, last-resort placement.
//   - Panics with an assertion error when a caller breaks a scheduler
//     contract (double enqueue, blocking with preemption disabled, ...).
//
// Notes:
//   - Backed by a single logrus logger so the CLI can pick level and format.
//   - Assertion panics carry a stack through cockroachdb/errors.
//
// ⚠️ Never invoke in hot loops. Use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Logger exposes the underlying logger for callers that need a custom entry.
func Logger() *logrus.Logger { return log }

// SetOutput redirects all diagnostics.
func SetOutput(w io.Writer) { log.SetOutput(w) }

// SetLevel parses and applies a logrus level name ("debug", "info", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	log.SetLevel(lvl)
	return nil
}

// SetJSON switches between JSON and text output.
func SetJSON(on bool) {
	if on {
		log.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// DropError logs err under prefix. A nil err logs the bare prefix.
func DropError(prefix string, err error) {
	if err != nil {
		log.WithField("component", prefix).Error(err.Error())
		return
	}
	log.WithField("component", prefix).Warn(prefix)
}

// DropMessage logs an informational message under prefix.
func DropMessage(prefix, message string) {
	log.WithField("component", prefix).Info(message)
}

// DropFields logs a warning with structured context.
func DropFields(prefix, message string, fields logrus.Fields) {
	log.WithField("component", prefix).WithFields(fields).Warn(message)
}

// NoteFields logs a routine lifecycle event with structured context.
func NoteFields(prefix, message string, fields logrus.Fields) {
	log.WithField("component", prefix).WithFields(fields).Info(message)
}

// Tracef logs at debug level. Cheap when debug output is disabled.
func Tracef(prefix, format string, args ...any) {
	if log.IsLevelEnabled(logrus.DebugLevel) {
		log.WithField("component", prefix).Debugf(format, args...)
	}
}

// Panicf aborts on a broken contract.
func Panicf(format string, args ...any) {
	panic(errors.AssertionFailedf(format, args...))
}

// Assert panics with the formatted message when cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		Panicf(format, args...)
	}
}
