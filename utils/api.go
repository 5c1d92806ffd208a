// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for MarbleFS.
package utils

import (
	"bytes"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	extractTrailingFnName = regexp.MustCompile(`[^\/]*$`)
	extractPkgName        = regexp.MustCompile(`^[^.]*`)
	extractFnName         = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the goroutine ID of the caller.
//
// Logging the goroutine context is useful when trying to debug things like
// locking, which is most of what this repo does.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// GetAFnName returns a "pkg.function" string for the caller the requested
// number of levels up the call stack.
func GetAFnName(level int) string {
	// Add one level to skip this function itself
	pc, _, _, _ := runtime.Caller(level + 1)
	functionObject := runtime.FuncForPC(pc)
	return extractTrailingFnName.FindString(functionObject.Name())
}

// GetFuncPackage returns separate function and package name strings for the
// caller the requested number of levels up the call stack, plus the goroutine
// ID for log correlation.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = extractPkgName.FindString(funcPkg)
	fn = extractFnName.FindString(funcPkg)
	gid = GetGID()

	return fn, pkg, gid
}

// GetFnName returns the name of the running function and its package.
func GetFnName() string {
	return GetAFnName(1)
}

// GetCallerFnName returns the name of the calling function and its package.
func GetCallerFnName() string {
	return GetAFnName(2)
}

// Stopwatch measures elapsed wall-clock time.
type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()

	// Stopwatch should have been running when stopped, but to avoid making
	// callers do error checking we just don't do calculations if it wasn't.
	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}
	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedMs() int64 {
	return int64(sw.Elapsed() / time.Millisecond)
}

func (sw *Stopwatch) ElapsedUs() int64 {
	return int64(sw.Elapsed() / time.Microsecond)
}
