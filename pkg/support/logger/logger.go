// Package logger provides a simple leveled logging utility for the Loom
// pipeline. It wraps the standard `log` package and filters messages based
// on the configured level.
package logger

import (
	"fmt"
	"log"
	"strings"
)

// LogLevel is a type representing the logging level.
type LogLevel int

const (
	// LevelDebug is the log level used for detailed debugging information.
	LevelDebug LogLevel = iota
	// LevelInfo is the log level used for general informational messages.
	LevelInfo
	// LevelWarn is the log level used for potential issues or warning messages.
	LevelWarn
	// LevelError is the log level used for error messages.
	LevelError
	// LevelFatal is the log level used for fatal errors that terminate the process.
	LevelFatal
)

// logLevel is the currently set global log level. Only messages at or below
// this level will be output.
var logLevel = LevelInfo

// SetLogLevel sets the global log level.
// Valid string values are "DEBUG", "INFO", "WARN", "ERROR", "FATAL"
// (case-insensitive). An unknown value falls back to INFO.
func SetLogLevel(level string) {
	switch strings.ToUpper(level) {
	case "INFO":
		logLevel = LevelInfo
	case "WARN":
		logLevel = LevelWarn
	case "ERROR":
		logLevel = LevelError
	case "FATAL":
		logLevel = LevelFatal
	case "DEBUG":
		logLevel = LevelDebug
	default:
		fmt.Printf("Unknown log level '%s' specified. Defaulting to INFO level.\n", level)
		logLevel = LevelInfo
	}
}

// Debugf formats and outputs a DEBUG level log message.
func Debugf(format string, v ...interface{}) {
	if logLevel <= LevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Infof formats and outputs an INFO level log message.
func Infof(format string, v ...interface{}) {
	if logLevel <= LevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}

// Warnf formats and outputs a WARN level log message.
func Warnf(format string, v ...interface{}) {
	if logLevel <= LevelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}

// Errorf formats and outputs an ERROR level log message.
func Errorf(format string, v ...interface{}) {
	if logLevel <= LevelError {
		log.Printf("[ERROR] "+format, v...)
	}
}

// Fatalf formats and outputs a FATAL level log message, then terminates the
// program by calling os.Exit(1).
func Fatalf(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+format, v...)
}

// Scoped is a child logger that stamps a fixed identifier context onto every
// message, keeping interleaved output from concurrent workers attributable.
type Scoped struct {
	prefix string
}

// WithField creates a child logger carrying key=value on every message.
func WithField(key, value string) *Scoped {
	return &Scoped{prefix: "[" + key + "=" + value + "]"}
}

// WithField adds another key=value to the child logger's context.
func (s *Scoped) WithField(key, value string) *Scoped {
	return &Scoped{prefix: s.prefix + "[" + key + "=" + value + "]"}
}

// Debugf formats and outputs a DEBUG level message with the scope context.
func (s *Scoped) Debugf(format string, v ...interface{}) {
	Debugf(s.prefix+" "+format, v...)
}

// Infof formats and outputs an INFO level message with the scope context.
func (s *Scoped) Infof(format string, v ...interface{}) {
	Infof(s.prefix+" "+format, v...)
}

// Warnf formats and outputs a WARN level message with the scope context.
func (s *Scoped) Warnf(format string, v ...interface{}) {
	Warnf(s.prefix+" "+format, v...)
}

// Errorf formats and outputs an ERROR level message with the scope context.
func (s *Scoped) Errorf(format string, v ...interface{}) {
	Errorf(s.prefix+" "+format, v...)
}
