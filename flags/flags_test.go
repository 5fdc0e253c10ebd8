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

package flags

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	f, err := Parse([]string{"trace.jsonl"})
	require.NoError(t, err)
	require.NoError(t, f.Validate())

	require.Equal(t, "trace.jsonl", f.Input)
	require.Equal(t, "trace.pb.gz", f.Output)
	require.Equal(t, "info", f.Log.Level)
	require.Equal(t, "logfmt", f.Log.Format)

	require.Equal(t, "chrome.exe,dwm.exe,audiodg.exe", f.Filter.ProcessFilter)
	require.Equal(t, "*", f.Filter.PIDFilter)
	require.Equal(t, 0.0, f.Filter.TimeStart)
	require.True(t, math.IsInf(f.Filter.TimeEnd, 1))

	require.False(t, f.Profile.IncludeInlinedFunctions)
	require.False(t, f.Profile.SplitChromeProcesses)
	require.Equal(t, "chrome.exe", f.Profile.ChromeExecutable)
	require.Equal(t, time.Millisecond, f.Profile.SamplingInterval)
	require.Empty(t, f.Symbols.Map)

	re, err := f.Profile.StripPrefixRegexp()
	require.NoError(t, err)
	require.Nil(t, re)
}

func TestParseAll(t *testing.T) {
	f, err := Parse([]string{
		"-o", "out.pb.gz",
		"--log-level", "debug",
		"--log-format", "json",
		"--config-path", "trace2pprof.yaml",
		"--metrics-file", "metrics.prom",
		"--process-filter", "*",
		"--pid-filter", "1004,500",
		"--time-start", "1.5",
		"--time-end", "30",
		"--include-inlined-functions",
		"--include-process-ids",
		"--include-process-and-thread-ids",
		"--split-chrome-processes",
		"--chrome-executable", "msedge.exe",
		"--strip-source-file-prefix", `^.*\\src\\`,
		"--sampling-interval", "125us",
		"--suppress-process-name",
		"--symbol-map", "chrome.dll=symbols/chrome.dll.map",
		"--symbol-map", "ntdll.dll=ntdll.map",
		"--symbol-concurrency", "4",
		"-",
	})
	require.NoError(t, err)
	require.NoError(t, f.Validate())

	require.Equal(t, "-", f.Input)
	require.Equal(t, "out.pb.gz", f.Output)
	require.Equal(t, "debug", f.Log.Level)
	require.Equal(t, "json", f.Log.Format)
	require.Equal(t, "trace2pprof.yaml", f.ConfigPath)
	require.Equal(t, "metrics.prom", f.MetricsFile)

	require.Equal(t, FlagsFilter{
		ProcessFilter: "*",
		PIDFilter:     "1004,500",
		TimeStart:     1.5,
		TimeEnd:       30,
	}, f.Filter)

	require.Equal(t, FlagsProfile{
		IncludeInlinedFunctions:    true,
		IncludeProcessIDs:          true,
		IncludeProcessAndThreadIDs: true,
		SplitChromeProcesses:       true,
		ChromeExecutable:           "msedge.exe",
		StripSourceFilePrefix:      `^.*\\src\\`,
		SamplingInterval:           125 * time.Microsecond,
		SuppressProcessName:        true,
	}, f.Profile)

	require.Equal(t, map[string]string{
		"chrome.dll": "symbols/chrome.dll.map",
		"ntdll.dll":  "ntdll.map",
	}, f.Symbols.Map)
	require.Equal(t, 4, f.Symbols.Concurrency)

	re, err := f.Profile.StripPrefixRegexp()
	require.NoError(t, err)
	require.Equal(t, `content\foo.cc`, re.ReplaceAllString(`C:\b\src\content\foo.cc`, ""))

	cfg := f.FilterConfig()
	require.Equal(t, "1004,500", cfg.PIDs)
	require.Equal(t, 30.0, cfg.TimeEnd)
}

func TestParseErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--unknown-flag", "trace.jsonl"},
		{"--log-level", "trace", "trace.jsonl"},
		{"--time-start", "soon", "trace.jsonl"},
		{"--sampling-interval", "1", "trace.jsonl"},
	} {
		_, err := Parse(args)
		require.Error(t, err, "args %v", args)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing input", args: []string{}},
		{name: "empty output", args: []string{"--output=", "trace.jsonl"}},
		{name: "malformed pid filter", args: []string{"--pid-filter", "12,abc", "trace.jsonl"}},
		{name: "inverted time range", args: []string{"--time-start", "10", "--time-end", "5", "trace.jsonl"}},
		{name: "invalid regexp", args: []string{"--strip-source-file-prefix", "(", "trace.jsonl"}},
		{name: "zero sampling interval", args: []string{"--sampling-interval", "0s", "trace.jsonl"}},
		{name: "negative symbol concurrency", args: []string{"--symbol-concurrency", "-1", "trace.jsonl"}},
		{name: "empty chrome executable", args: []string{"--split-chrome-processes", "--chrome-executable=", "trace.jsonl"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(tt.args)
			require.NoError(t, err)
			require.ErrorIs(t, f.Validate(), ErrInvalidFlags)
		})
	}
}

func TestValidateVersion(t *testing.T) {
	f, err := Parse([]string{"--version"})
	require.NoError(t, err)
	require.True(t, f.Version)
	require.NoError(t, f.Validate())
}
