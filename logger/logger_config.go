package logger

import (
	"io"
	"strings"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// Format selects the output encoding.
type Format string

const (
	// FormatJSON writes one JSON object per record.
	FormatJSON Format = "json"
	// FormatText writes console lines through tint.
	FormatText Format = "text"
)

// Config describes how NewLogger builds a logger.
type Config struct {
	Level       Level
	Format      Format
	NoColor     bool   // Plain text output even on a terminal
	AppName     string // Added to every record as "app"
	Environment string // Added to every record as "env"
	Output      io.Writer
}

// ParseLevel maps a level name to a Level. Matching ignores case; "warning" is
// accepted for LevelWarn. Unknown names yield LevelInfo.
func ParseLevel(lvl string) Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ParseFormat maps a format name to a Format. Anything but "text" is JSON.
func ParseFormat(f string) Format {
	if strings.EqualFold(strings.TrimSpace(f), string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}
