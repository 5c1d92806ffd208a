// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var logFile *os.File = nil

// multiWriter mirrors log output to multiple destinations.
type multiWriter struct {
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.writers = append(mw.writers, writer)
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if err != nil {
			return
		}
	}
	return len(p), nil
}

// Up initializes logging per the supplied config.
func Up(confView *viper.Viper) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath := confView.GetString("logging.logfilepath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
	}

	logToConsole := confView.GetBool("logging.logtoconsole")

	if logFilePath != "" {
		if logToConsole {
			output := &multiWriter{}
			output.addWriter(logFile)
			output.addWriter(os.Stderr)
			log.SetOutput(output)
		} else {
			log.SetOutput(logFile)
		}
	}
	// else: accept the default destination of stderr

	// We always enable max logging in logrus and decide in this package
	// whether a given entry is emitted.
	log.SetLevel(log.DebugLevel)

	setTraceLoggingLevel(confView.GetStringSlice("logging.tracelevellogging"))
	setDebugLoggingLevel(confView.GetStringSlice("logging.debuglevellogging"))

	return nil
}

// Down shuts logging down.
func Down() (err error) {
	// We open and close our own logfile
	if logFile != nil {
		log.SetOutput(os.Stderr)
		logFile.Close()
		logFile = nil
	}
	return
}
