// Package logger is a thin leveled layer over the standard log package. A
// process-wide default logger backs the package-level functions; components
// that want their own threshold create an instance with New.
package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "INFO"
	}
	return levelNames[l]
}

// ParseLogLevel maps a config string to a level, INFO when unrecognized.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger filters messages below its threshold. The threshold is atomic so it
// can be flipped at runtime without synchronizing writers.
type Logger struct {
	level atomic.Int32
}

// New creates a logger with its own threshold.
func New(level string) *Logger {
	l := &Logger{}
	l.SetLevel(level)
	return l
}

var std = New("INFO")

// SetLevel changes this logger's threshold.
func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(ParseLogLevel(level)))
}

// GetLevel returns this logger's threshold as a string.
func (l *Logger) GetLevel() string {
	return LogLevel(l.level.Load()).String()
}

func (l *Logger) emit(level LogLevel, format string, v ...interface{}) {
	if int32(level) < l.level.Load() {
		return
	}
	log.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...interface{}) { l.emit(DEBUG, format, v...) }
func (l *Logger) Info(format string, v ...interface{})  { l.emit(INFO, format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.emit(WARN, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.emit(ERROR, format, v...) }

// SetLogLevel changes the default logger's threshold.
func SetLogLevel(level string) {
	std.SetLevel(level)
}

// GetLogLevel returns the default logger's threshold as a string.
func GetLogLevel() string {
	return std.GetLevel()
}

func Debug(format string, v ...interface{}) { std.Debug(format, v...) }
func Info(format string, v ...interface{})  { std.Info(format, v...) }
func Warn(format string, v ...interface{})  { std.Warn(format, v...) }
func Error(format string, v ...interface{}) { std.Error(format, v...) }
