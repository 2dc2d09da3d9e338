// Package common holds the ambient pieces every other package shares:
// named loggers, server configuration, and process-wide metrics.
package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// jimcachedLogger implements logger.ILogger with a fixed, grep-friendly
// line format: level, subsystem name, message.
type jimcachedLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *jimcachedLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *jimcachedLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *jimcachedLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *jimcachedLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *jimcachedLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *jimcachedLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *jimcachedLogger) log(levelStr, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// CreateLogger is a logger.Factory: it builds one named logger writing to
// stderr, so server output and client wire traffic never share a stream.
func CreateLogger(name string) logger.ILogger {
	return &jimcachedLogger{
		name:   name,
		level:  logger.INFO,
		logger: log.New(os.Stderr, "", log.Ldate|log.Ltime),
	}
}

// subsystems is every named logger InitLoggers configures. A package logs
// through logger.GetLogger(name) with one of these names; there is no
// direct use of the standard log package outside CreateLogger itself.
var subsystems = []string{
	"reclaim", "table", "store", "collector", "session", "listener", "cmd",
}

// InitLoggers installs jimcachedLogger as Dragonboat's logger factory and
// sets every subsystem logger to level.
func InitLoggers(level string) {
	logger.SetLoggerFactory(CreateLogger)
	lvl := ParseLogLevel(level)
	for _, name := range subsystems {
		logger.GetLogger(name).SetLevel(lvl)
	}
}

// ParseLogLevel converts a config-file/flag level name to logger.LogLevel.
// Unrecognized names fall back to INFO rather than panicking: a typo in a
// log-level flag should not prevent the server from starting.
func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
