// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *loggerWrapper

	// Lines emitted before SetupLogger runs are buffered and replayed once
	// the logger exists. Config loading logs before logging is configured.
	logsBuffer   = []func(){}
	bufferLogs   = true
	bufferMutex  sync.Mutex
	defaultDepth = 2
)

// loggerWrapper wraps a seelog logger behind a level gate.
type loggerWrapper struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	mu    sync.RWMutex
}

// SetupLogger configures the package level logger singleton.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}

	l.SetAdditionalStackDepth(defaultDepth) //nolint:errcheck

	logger = &loggerWrapper{
		inner: l,
		level: lvl,
	}

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogs = false
	for _, line := range logsBuffer {
		line()
	}
	logsBuffer = []func(){}
}

// ChangeLogLevel changes the level of the configured logger.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return fmt.Errorf("cannot change level: logger not initialized")
	}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}

	logger.mu.Lock()
	logger.level = lvl
	logger.mu.Unlock()
	return nil
}

func (w *loggerWrapper) shouldLog(level seelog.LogLevel) bool {
	w.mu.RLock()
	ok := level >= w.level
	w.mu.RUnlock()
	return ok
}

func addLogToBuffer(line func()) bool {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	if !bufferLogs {
		return false
	}
	logsBuffer = append(logsBuffer, line)
	return true
}

// Tracef logs at the trace level.
func Tracef(format string, params ...interface{}) {
	if logger == nil {
		if addLogToBuffer(func() { Tracef(format, params...) }) {
			return
		}
	}
	if logger != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.inner.Tracef(format, params...)
	}
}

// Debugf logs at the debug level.
func Debugf(format string, params ...interface{}) {
	if logger == nil {
		if addLogToBuffer(func() { Debugf(format, params...) }) {
			return
		}
	}
	if logger != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.inner.Debugf(format, params...)
	}
}

// Infof logs at the info level.
func Infof(format string, params ...interface{}) {
	if logger == nil {
		if addLogToBuffer(func() { Infof(format, params...) }) {
			return
		}
	}
	if logger != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.inner.Infof(format, params...)
	}
}

// Warnf logs at the warn level and returns an error containing the
// formatted message so callers can `return log.Warnf(...)`.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		if addLogToBuffer(func() { Warnf(format, params...) }) { //nolint:errcheck
			return err
		}
	}
	if logger != nil && logger.shouldLog(seelog.WarnLvl) {
		logger.inner.Warn(err.Error()) //nolint:errcheck
	}
	return err
}

// Errorf logs at the error level and returns an error containing the
// formatted message.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		if addLogToBuffer(func() { Errorf(format, params...) }) { //nolint:errcheck
			return err
		}
	}
	if logger != nil && logger.shouldLog(seelog.ErrorLvl) {
		logger.inner.Error(err.Error()) //nolint:errcheck
	}
	return err
}

// Debug logs its arguments at the debug level.
func Debug(v ...interface{}) {
	Debugf("%s", fmt.Sprint(v...))
}

// Info logs its arguments at the info level.
func Info(v ...interface{}) {
	Infof("%s", fmt.Sprint(v...))
}

// Warn logs its arguments at the warn level and returns them as an error.
func Warn(v ...interface{}) error {
	return Warnf("%s", fmt.Sprint(v...))
}

// Error logs its arguments at the error level and returns them as an error.
func Error(v ...interface{}) error {
	return Errorf("%s", fmt.Sprint(v...))
}

// Flush flushes the underlying logger's output.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
