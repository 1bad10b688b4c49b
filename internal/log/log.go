// Copyright 2024 Repovul Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log exposes logging capabilities for repovul, built on
// https://pkg.go.dev/github.com/go-logr/logr backed by logrus.
package log

import (
	"os"
	"strings"

	"github.com/bombsimon/logrusr/v2"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

// Logger wraps a logr.Logger so callers depend on the interface, not logrus.
type Logger struct {
	*logr.Logger
}

// Level is a string representation of a log level.
type Level string

// Log levels.
const (
	DefaultLevel       = InfoLevel
	TraceLevel   Level = "trace"
	DebugLevel   Level = "debug"
	InfoLevel    Level = "info"
	WarnLevel    Level = "warn"
	ErrorLevel   Level = "error"
)

func (l Level) String() string {
	return string(l)
}

// ParseLevel parses a string into a Level, defaulting to InfoLevel on any
// unrecognized input so a typo in configuration never aborts a run.
func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	}
	return DefaultLevel
}

// NewLogger creates an interactive, human-readable logger.
func NewLogger(level Level) *Logger {
	l := logrus.New()
	l.SetLevel(parseLogrusLevel(level))
	return newLogrusLogger(l)
}

// NewBatchLogger creates a logger suited for unattended runs (the parallel
// driver, workers): JSON output on stdout so a log aggregator can ingest
// per-repo progress without scraping stderr.
func NewBatchLogger(level Level) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{FieldMap: logrus.FieldMap{
		logrus.FieldKeyLevel: "severity",
		logrus.FieldKeyMsg:   "message",
	}})
	l.SetLevel(parseLogrusLevel(level))
	return newLogrusLogger(l)
}

func newLogrusLogger(l *logrus.Logger) *Logger {
	lr := logrusr.New(l)
	return &Logger{&lr}
}

func parseLogrusLevel(lvl Level) logrus.Level {
	parsed, err := logrus.ParseLevel(lvl.String())
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
