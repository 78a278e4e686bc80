// Package logger is the service's leveled logger. Messages are printf-style and, by
// convention, start with a "{pkg/file - Func}" marker naming their origin.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"}

func (lv LogLevel) String() string {
	if lv < DEBUG || lv > ERROR {
		return "INFO"
	}
	return levelNames[lv]
}

// ParseLogLevel maps a level name to a LogLevel. Unknown names mean INFO.
func ParseLogLevel(level string) LogLevel {
	name := strings.ToUpper(strings.TrimSpace(level))
	if name == "WARNING" {
		return WARN
	}
	for lv, n := range levelNames {
		if n == name {
			return LogLevel(lv)
		}
	}
	return INFO
}

// Logger filters by level and writes one line per message. Level changes and output
// swaps are safe while other goroutines log.
type Logger struct {
	level atomic.Int32
	out   *log.Logger
}

// New creates a logger at the given level writing to stdout.
func New(level string) *Logger {
	l := &Logger{out: log.New(os.Stdout, "[PLAYBACK-PROXY] ", log.LstdFlags)}
	l.level.Store(int32(ParseLogLevel(level)))
	return l
}

func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(ParseLogLevel(level)))
}

func (l *Logger) GetLevel() string {
	return LogLevel(l.level.Load()).String()
}

// SetOutput redirects the logger, mostly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

func (l *Logger) logf(at LogLevel, tag, format string, v []interface{}) {
	if at < LogLevel(l.level.Load()) {
		return
	}
	l.out.Printf("[%s] %s", tag, fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...interface{}) { l.logf(DEBUG, "DEBUG", format, v) }
func (l *Logger) Info(format string, v ...interface{})  { l.logf(INFO, "INFO", format, v) }
func (l *Logger) Warn(format string, v ...interface{})  { l.logf(WARN, "WARN", format, v) }
func (l *Logger) Error(format string, v ...interface{}) { l.logf(ERROR, "ERROR", format, v) }

// Security records refused tokens and blocked upstream hosts. It logs at WARN
// severity under its own tag.
func (l *Logger) Security(format string, v ...interface{}) {
	l.logf(WARN, "SECURITY", format, v)
}

// process-wide logger behind the package-level functions
var (
	std     *Logger
	stdOnce sync.Once
)

func defaultLogger() *Logger {
	stdOnce.Do(func() { std = New("INFO") })
	return std
}

func SetLogLevel(level string) { defaultLogger().SetLevel(level) }
func GetLogLevel() string      { return defaultLogger().GetLevel() }
func SetOutput(w io.Writer)    { defaultLogger().SetOutput(w) }

func Debug(format string, v ...interface{})    { defaultLogger().Debug(format, v...) }
func Info(format string, v ...interface{})     { defaultLogger().Info(format, v...) }
func Warn(format string, v ...interface{})     { defaultLogger().Warn(format, v...) }
func Error(format string, v ...interface{})    { defaultLogger().Error(format, v...) }
func Security(format string, v ...interface{}) { defaultLogger().Security(format, v...) }
