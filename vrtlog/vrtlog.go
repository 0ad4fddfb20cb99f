// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package vrtlog provides the level-gated, timestamped logger shared by every
// component of the runtime.
//
// It wraps a single process-wide *logrus.Logger, initialized lazily on first
// use, mirroring the explicit-singleton pattern the runtime's design notes
// call for in place of C++'s module-level logger state.
package vrtlog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.Mutex
	log *logrus.Logger
)

// Get returns the process-wide logger, creating it with default settings
// (level INFO, stdout sink) on first call.
func Get() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		log = newDefault()
	}
	return log
}

// Configure replaces the process-wide logger's level and output sink. It is
// safe to call before any component logs; once logging has started,
// subsequent calls still apply but earlier lines are not retroactively
// reformatted.
func Configure(level logrus.Level, out io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		log = newDefault()
	}
	log.SetLevel(level)
	log.SetOutput(out)
}

// ToFile points the process-wide logger's output at path, appending to it or
// creating it. The returned file should be closed by the caller (typically
// Device.Cleanup) once logging is done.
func ToFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	Configure(Get().Level, f)
	return f, nil
}

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	l.SetOutput(os.Stdout)
	return l
}
