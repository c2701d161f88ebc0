package log

import (
	"fmt"
	"strings"
)

// Level is a log level. It implements the pflag.Value interface so it can
// be bound directly to command line flags.
type Level uint

const (
	// LevelDebug is the log level for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the log level for informative messages.
	LevelInfo
	// LevelWarn is the log level for warning messages.
	LevelWarn
	// LevelError is the log level for error messages.
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	for lvl, name := range levelNames {
		if strings.EqualFold(s, name) {
			return lvl, nil
		}
	}
	return 0, fmt.Errorf("logging: invalid log level: '%s'", s)
}

// String returns the string representation of a Level.
func (l *Level) String() string {
	name, ok := levelNames[*l]
	if !ok {
		panic("logging: unsupported log level")
	}
	return name
}

// Set sets the Level to the value specified by the provided string.
func (l *Level) Set(s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// Type returns the list of supported Levels.
func (l *Level) Type() string {
	return "[DEBUG,INFO,WARN,ERROR]"
}
