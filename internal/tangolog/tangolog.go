// Package tangolog wraps the standard log package with the leveled,
// prefixed call-site style the rest of the module uses — no structured
// logging dependency, just inline log.Printf-style calls.
package tangolog

import (
	"io"
	"log"
	"os"
)

// Logger is a small leveled wrapper over *log.Logger.
type Logger struct {
	std *log.Logger
}

// Default writes to stderr with no prefix beyond the level markers added by
// Info/Warn/Error.
var Default = New(os.Stderr)

// New builds a Logger writing to w. Pass an *os.File opened against the
// config package's LOGFILE path to log to a file instead of stderr.
func New(w io.Writer) *Logger {
	return &Logger{std: log.New(w, "", log.LstdFlags)}
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.std.Printf("INFO  "+format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.std.Printf("WARN  "+format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.std.Printf("ERROR "+format, args...)
}

func Info(format string, args ...interface{})  { Default.Info(format, args...) }
func Warn(format string, args ...interface{})  { Default.Warn(format, args...) }
func Error(format string, args ...interface{}) { Default.Error(format, args...) }
