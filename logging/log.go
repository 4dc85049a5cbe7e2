// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"io"
	"log"
	"os"
)

const (
	// LevelAll enables all logs.
	LevelAll = iota
	// LevelDebug logs are usually disabled in production.
	LevelDebug
	// LevelInfo is the default logging priority.
	LevelInfo
	// LevelWarn .
	LevelWarn
	// LevelError .
	LevelError
	// LevelNone disables all logs.
	LevelNone
)

// Logger defines the log interface.
type Logger interface {
	SetLevel(lvl int)
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// DefaultLogger is used by the package-level log functions.
var DefaultLogger Logger = &logger{
	level: LevelInfo,
	out:   log.New(os.Stderr, "", log.LstdFlags),
}

// SetLogger replaces the default logger.
func SetLogger(l Logger) {
	DefaultLogger = l
}

// SetLevel sets the default logger's priority.
func SetLevel(lvl int) {
	switch lvl {
	case LevelAll, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelNone:
		DefaultLogger.SetLevel(lvl)
	default:
		log.Printf("invalid log level: %v", lvl)
	}
}

// SetOutput redirects the default logger when it is the built-in one.
func SetOutput(w io.Writer) {
	if l, ok := DefaultLogger.(*logger); ok {
		l.out.SetOutput(w)
	}
}

// logger implements Logger on the stdlib log package.
type logger struct {
	level int
	out   *log.Logger
}

// SetLevel sets the logger's priority.
func (l *logger) SetLevel(lvl int) {
	switch lvl {
	case LevelAll, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelNone:
		l.level = lvl
	default:
		log.Printf("invalid log level: %v", lvl)
	}
}

// Debug logs a message at LevelDebug.
func (l *logger) Debug(format string, v ...interface{}) {
	if LevelDebug >= l.level {
		l.out.Printf("[DBG] "+format, v...)
	}
}

// Info logs a message at LevelInfo.
func (l *logger) Info(format string, v ...interface{}) {
	if LevelInfo >= l.level {
		l.out.Printf("[INF] "+format, v...)
	}
}

// Warn logs a message at LevelWarn.
func (l *logger) Warn(format string, v ...interface{}) {
	if LevelWarn >= l.level {
		l.out.Printf("[WRN] "+format, v...)
	}
}

// Error logs a message at LevelError.
func (l *logger) Error(format string, v ...interface{}) {
	if LevelError >= l.level {
		l.out.Printf("[ERR] "+format, v...)
	}
}

// Debug uses DefaultLogger to log a message at LevelDebug.
func Debug(format string, v ...interface{}) {
	if DefaultLogger != nil {
		DefaultLogger.Debug(format, v...)
	}
}

// Info uses DefaultLogger to log a message at LevelInfo.
func Info(format string, v ...interface{}) {
	if DefaultLogger != nil {
		DefaultLogger.Info(format, v...)
	}
}

// Warn uses DefaultLogger to log a message at LevelWarn.
func Warn(format string, v ...interface{}) {
	if DefaultLogger != nil {
		DefaultLogger.Warn(format, v...)
	}
}

// Error uses DefaultLogger to log a message at LevelError.
func Error(format string, v ...interface{}) {
	if DefaultLogger != nil {
		DefaultLogger.Error(format, v...)
	}
}
