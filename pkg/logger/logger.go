// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

var (
	ErrUnknownLevel  = errors.New("unknown log level")
	ErrUnknownFormat = errors.New("unknown log format")
)

// LevelOption maps a level name to the go-kit filter allowing it and every
// more severe level.
func LevelOption(logLevel string) (level.Option, error) {
	switch logLevel {
	case "error":
		return level.AllowError(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "info":
		return level.AllowInfo(), nil
	case "debug":
		return level.AllowDebug(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, logLevel)
	}
}

// New returns a log.Logger writing to w in the provided format at the
// provided level with a UTC timestamp and the caller of the log entry. If
// non empty, the debug name is also appended as a field to all log lines.
func New(w io.Writer, logLevel, logFormat, debugName string) (log.Logger, error) {
	lvl, err := LevelOption(logLevel)
	if err != nil {
		return nil, err
	}

	var logger log.Logger
	switch logFormat {
	case LogFormatLogfmt:
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case LogFormatJSON:
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, logFormat)
	}

	logger = level.NewFilter(logger, lvl)

	if debugName != "" {
		logger = log.With(logger, "name", debugName)
	}

	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

// NewLogger is New writing to stderr. Level and format are validated as
// flags, so an invalid value here is a programming error.
func NewLogger(logLevel, logFormat, debugName string) log.Logger {
	logger, err := New(os.Stderr, logLevel, logFormat, debugName)
	if err != nil {
		panic(err)
	}
	return logger
}
