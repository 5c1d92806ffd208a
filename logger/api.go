// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a
// third-party logging package. The package is currently implemented on top of
// the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add the package and calling function to all logs.
//
// Logging of trace logs is enabled/disabled on a per-package basis.
package logger

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/marblefs/marblefs/utils"
)

type Level int

// Logging levels supported by this package.
//
// We have more detailed logging levels than the logrus package, so levels are
// mapped to logrus ones before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; logrus will log and then call os.Exit(1)
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel

	// TraceLevel is used for operational logs that trace the success path
	// through the application. Whether these are logged is controlled per
	// package by the Logging.TraceLevelLogging config setting. When enabled,
	// these are logged at logrus.InfoLevel.
	TraceLevel

	// DebugLevel is verbose logging for debugging internal operations,
	// controlled per package by Logging.DebugLevelLogging. When enabled,
	// these are logged at logrus.DebugLevel.
	DebugLevel
)

// Enable/disable for trace and debug levels.
// These default to disabled unless otherwise specified via config.
var traceLevelEnabled = false
var debugLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular
// packages. If a package is in this map set to true then trace logs for that
// package are emitted. Packages not in this map never emit trace logs.
//
// Note: in order to enable tracing for a package using the
// Logging.TraceLevelLogging config setting, the package must already be in
// this map (with a value of false).
var packageTraceSettings = map[string]bool{
	"dlm":         false,
	"quotafs":     false,
	"scrub":       false,
	"trackedlock": false,
	"logger":      false,
}

var packageDebugSettings = map[string]bool{
	"dlm":     false,
	"quotafs": false,
	"scrub":   false,
}

func setTraceLoggingLevel(confStrSlice []string) {
	if len(confStrSlice) == 0 {
		traceLevelEnabled = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true

				// If any trace level is enabled, need to enable trace level
				// in general. This flag lets us avoid the performance hit of
				// trace-level API calls when tracing is fully disabled.
				traceLevelEnabled = true
			}
		}
	}
}

func setDebugLoggingLevel(confStrSlice []string) {
	if len(confStrSlice) == 0 {
		debugLevelEnabled = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			debugLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageDebugSettings[pkg]; ok {
				packageDebugSettings[pkg] = true
				debugLevelEnabled = true
			}
		}
	}
}

// traceEnabledForPackage returns whether tracing is enabled for the package.
func traceEnabledForPackage(pkg string) bool {
	enabled, ok := packageTraceSettings[pkg]
	return ok && enabled
}

func debugEnabledForPackage(pkg string) bool {
	enabled, ok := packageDebugSettings[pkg]
	return ok && enabled
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

// FuncCtx saves fields common between log calls within a function so that the
// package and function are only extracted from the call stack once.
type FuncCtx struct {
	funcContext *log.Entry
}

func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

// newFuncCtx creates a new function logging context, extracting the calling
// function and package from the call stack.
func newFuncCtx(level int) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

func (ctx *FuncCtx) log(level Level, logString string) {
	entry := ctx.funcContext

	switch level {
	case PanicLevel:
		entry.Panic(logString)
	case FatalLevel:
		entry.Fatal(logString)
	case ErrorLevel:
		entry.Error(logString)
	case WarnLevel:
		entry.Warn(logString)
	case InfoLevel:
		entry.Info(logString)
	case TraceLevel:
		if traceEnabledForPackage(ctx.getPackage()) {
			entry.Info(logString)
		}
	case DebugLevel:
		if debugEnabledForPackage(ctx.getPackage()) {
			entry.Debug(logString)
		}
	}
}

func (ctx *FuncCtx) logWithError(level Level, err error, logString string) {
	entry := ctx.funcContext.WithField(errorKey, err)
	saved := ctx.funcContext
	ctx.funcContext = entry
	ctx.log(level, logString)
	ctx.funcContext = saved
}

func logEnabled(level Level) bool {
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	if (level == DebugLevel) && !debugLevelEnabled {
		return false
	}
	return true
}

var backtraceOneLevel int = 1

// EXTERNAL logging APIs, in the style of those provided by the logrus package.

func Error(args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(level, fmt.Sprint(args...))
}

func Errorf(format string, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(level, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).logWithError(level, err, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(level, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).logWithError(level, err, fmt.Sprintf(format, args...))
}

func Info(args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(level, fmt.Sprint(args...))
}

func Infof(format string, args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(level, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) {
	level := DebugLevel
	if !logEnabled(level) {
		return
	}
	newFuncCtx(backtraceOneLevel).log(level, fmt.Sprintf(format, args...))
}

func PanicfWithError(err error, format string, args ...interface{}) {
	level := PanicLevel
	newFuncCtx(backtraceOneLevel).logWithError(level, err, fmt.Sprintf(format, args...))
}

// Fatalf logs and then exits the process (via logrus.Fatal).
func Fatalf(format string, args ...interface{}) {
	level := FatalLevel
	newFuncCtx(backtraceOneLevel).log(level, fmt.Sprintf(format, args...))
}
