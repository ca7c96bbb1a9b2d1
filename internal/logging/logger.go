package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config value to a Level. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "INFO"
}

// Logger is a leveled wrapper around a component-prefixed log.Logger.
// A nil *Logger discards everything.
type Logger struct {
	std   *log.Logger
	level Level
	name  string
}

// New returns a logger writing "[component] LEVEL msg" lines to w.
func New(w io.Writer, component string, level Level) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		std:   log.New(w, "["+component+"] ", log.LstdFlags|log.Lmicroseconds),
		level: level,
		name:  component,
	}
}

// Discard returns a logger that drops all output.
func Discard() *Logger {
	return New(io.Discard, "discard", LevelError+1)
}

// Named derives a logger for a sub-component sharing the writer and level.
func (l *Logger) Named(sub string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		std:   log.New(l.std.Writer(), "["+l.name+"/"+sub+"] ", l.std.Flags()),
		level: l.level,
		name:  l.name + "/" + sub,
	}
}

// Std exposes the underlying logger for libraries that want a *log.Logger.
func (l *Logger) Std() *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l.std
}

// Enabled reports whether messages at lvl are written.
func (l *Logger) Enabled(lvl Level) bool {
	return l != nil && lvl >= l.level
}

func (l *Logger) logf(lvl Level, format string, args ...any) {
	if !l.Enabled(lvl) {
		return
	}
	_ = l.std.Output(3, lvl.String()+" "+fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
