// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marblefs/marblefs/conf"
)

func TestLogDestinationAndFields(t *testing.T) {
	assert := assert.New(t)

	logFilePath := filepath.Join(t.TempDir(), "marblefs.log")

	confView, err := conf.MakeFromStrings([]string{
		"logging.logfilepath=" + logFilePath,
		"logging.logtoconsole=false",
		"logging.tracelevellogging=logger",
	})
	assert.Nil(err, "conf.MakeFromStrings() failed")

	err = Up(confView)
	assert.Nil(err, "logger.Up() failed")

	Infof("log %s number %d", "entry", 1)
	Warnf("a warning")
	ErrorfWithError(errors.New("underlying failure"), "an error happened")
	Tracef("a trace entry")

	err = Down()
	assert.Nil(err, "logger.Down() failed")

	logBuf, err := os.ReadFile(logFilePath)
	assert.Nil(err, "reading the log file failed")
	logged := string(logBuf)

	assert.Contains(logged, "log entry number 1")
	assert.Contains(logged, "a warning")
	assert.Contains(logged, "an error happened")
	assert.Contains(logged, "underlying failure")

	// Tracing was enabled for this package, so the trace entry shows up.
	assert.Contains(logged, "a trace entry")

	// Every entry carries the package and function call context.
	assert.Contains(logged, "package=logger")
	assert.Contains(logged, "TestLogDestinationAndFields")
}

func TestTraceDisabledByDefault(t *testing.T) {
	assert := assert.New(t)

	logFilePath := filepath.Join(t.TempDir(), "marblefs.log")

	confView, err := conf.MakeFromStrings([]string{
		"logging.logfilepath=" + logFilePath,
		"logging.logtoconsole=false",
	})
	assert.Nil(err)

	err = Up(confView)
	assert.Nil(err)

	Tracef("should not appear")
	Infof("should appear")

	err = Down()
	assert.Nil(err)

	logBuf, err := os.ReadFile(logFilePath)
	assert.Nil(err)
	logged := string(logBuf)

	assert.NotContains(logged, "should not appear")
	assert.Contains(logged, "should appear")
}
