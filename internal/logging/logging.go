// Package logging provides the leveled filter shared by every component
// logger. Components hold a *log.Logger plus a Level and format their own
// "RFC3339 LEVEL component: message" lines.
package logging

import "strings"

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Parse maps a config string to a Level, defaulting to Info.
func Parse(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}
