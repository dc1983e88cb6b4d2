// Package logging defines the level-tagged text line format shared by the
// daemon and overseer logs, and the parser the overseer uses to tail them.
package logging

import (
	"fmt"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config value to a Level. Unknown values default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// FormatLine renders one log line without the trailing newline:
// "<RFC3339> LEVEL component: message".
func FormatLine(now time.Time, level Level, component, msg string) string {
	return fmt.Sprintf("%s %s %s: %s", now.Format(time.RFC3339), level, component, msg)
}

// Entry is a parsed log line.
type Entry struct {
	Time      time.Time
	Level     Level
	Component string
	Message   string
}

// ParseLine parses a line produced by FormatLine. ok is false for lines
// that do not follow the format (stack traces, panics, blank lines).
func ParseLine(line string) (Entry, bool) {
	fields := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 4)
	if len(fields) < 3 {
		return Entry{}, false
	}
	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return Entry{}, false
	}
	var level Level
	switch fields[1] {
	case "DEBUG":
		level = LevelDebug
	case "INFO":
		level = LevelInfo
	case "WARN":
		level = LevelWarn
	case "ERROR":
		level = LevelError
	default:
		return Entry{}, false
	}
	e := Entry{Time: ts, Level: level, Component: strings.TrimSuffix(fields[2], ":")}
	if len(fields) == 4 {
		e.Message = fields[3]
	}
	return e, true
}

// IsAlert reports whether the entry is at warning severity or above.
func (e Entry) IsAlert() bool {
	return e.Level >= LevelWarn
}
