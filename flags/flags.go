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
	"errors"
	"fmt"
	"time"

	"github.com/alecthomas/kong"
	"github.com/grafana/regexp"

	"github.com/parca-dev/trace2pprof/pkg/chrome"
	"github.com/parca-dev/trace2pprof/pkg/filter"
	"github.com/parca-dev/trace2pprof/pkg/logger"
)

const (
	defaultProcessFilter = "chrome.exe,dwm.exe,audiodg.exe"
	defaultOutput        = "trace.pb.gz"
)

var ErrInvalidFlags = errors.New("invalid flags")

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

// Parse parses the command line arguments, excluding the program name.
func Parse(args []string, options ...kong.Option) (Flags, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, append([]kong.Option{
		kong.Name("trace2pprof"),
		kong.Description("Convert CPU stack sample traces to gzip-compressed pprof profiles. An interrupt aborts symbol loading; once samples are being read the profile is always written."),
		kong.Vars{
			"default_process_filter": defaultProcessFilter,
			"default_output":         defaultOutput,
			"default_chrome":         chrome.DefaultExecutable,
		},
	}, options...)...)
	if err != nil {
		return Flags{}, err
	}

	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

type Flags struct {
	Log     FlagsLogs `embed:""                         prefix:"log-"`
	Version bool      `help:"Show application version."`

	Input       string `arg:""                    help:"Trace to convert, JSON Lines and optionally gzip compressed. Use - for stdin." optional:""`
	Output      string `default:"${default_output}" help:"Path of the profile to write. Use - for stdout."                               short:"o"`
	ConfigPath  string `default:""                help:"Path to config file."`
	MetricsFile string `default:""                help:"Write conversion metrics in Prometheus text format to this file."`

	Filter  FlagsFilter  `embed:""`
	Profile FlagsProfile `embed:""`
	Symbols FlagsSymbols `embed:"" prefix:"symbol-"`
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsFilter provides sample filter flags.
type FlagsFilter struct {
	ProcessFilter string  `default:"${default_process_filter}" help:"Comma separated process names to include, or * for all."`
	PIDFilter     string  `default:"*"                         help:"Comma separated process ids to include, or * for all." name:"pid-filter"`
	TimeStart     float64 `default:"0"                         help:"Ignore samples before this many seconds into the trace."`
	TimeEnd       float64 `default:"+Inf"                      help:"Ignore samples after this many seconds into the trace."`
}

// FlagsProfile provides flags shaping the profile contents.
type FlagsProfile struct {
	IncludeInlinedFunctions    bool          `help:"Expand inlined functions into their own lines."`
	IncludeProcessIDs          bool          `help:"Label samples with their process id."                     name:"include-process-ids"`
	IncludeProcessAndThreadIDs bool          `help:"Label samples with their process and thread ids."         name:"include-process-and-thread-ids"`
	SplitChromeProcesses       bool          `help:"Label Chrome processes with their role, e.g. renderer or gpu."`
	ChromeExecutable           string        `default:"${default_chrome}" help:"Executable name of the browser whose processes are split."`
	StripSourceFilePrefix      string        `help:"Regular expression; everything up to the end of its first match is removed from source file paths."`
	SamplingInterval           time.Duration `default:"1ms"               help:"Interval at which the trace was sampled."`
	SuppressProcessName        bool          `help:"Do not label samples with their process name."`
}

// FlagsSymbols provides symbol map flags.
type FlagsSymbols struct {
	Map         map[string]string `help:"Symbol map for a module, as module=path. May be repeated."`
	Concurrency int               `default:"0"                                                           help:"Number of symbol maps loaded at once. 0 uses GOMAXPROCS."`
}

// Validate checks the flags for semantic errors.
func (f Flags) Validate() error {
	if f.Version {
		return nil
	}

	if f.Input == "" {
		return fmt.Errorf("%w: missing trace input", ErrInvalidFlags)
	}
	if f.Output == "" {
		return fmt.Errorf("%w: --output must not be empty", ErrInvalidFlags)
	}

	if _, err := logger.LevelOption(f.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlags, err)
	}
	if f.Log.Format != logger.LogFormatLogfmt && f.Log.Format != logger.LogFormatJSON {
		return fmt.Errorf("%w: %w: %q", ErrInvalidFlags, logger.ErrUnknownFormat, f.Log.Format)
	}

	if _, err := filter.New(f.FilterConfig()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlags, err)
	}

	if _, err := f.Profile.StripPrefixRegexp(); err != nil {
		return fmt.Errorf("%w: --strip-source-file-prefix: %w", ErrInvalidFlags, err)
	}

	if f.Profile.SamplingInterval <= 0 {
		return fmt.Errorf("%w: --sampling-interval must be positive, got %s", ErrInvalidFlags, f.Profile.SamplingInterval)
	}
	if f.Profile.ChromeExecutable == "" && f.Profile.SplitChromeProcesses {
		return fmt.Errorf("%w: --chrome-executable must not be empty", ErrInvalidFlags)
	}

	if f.Symbols.Concurrency < 0 {
		return fmt.Errorf("%w: --symbol-concurrency must not be negative", ErrInvalidFlags)
	}
	for module, path := range f.Symbols.Map {
		if module == "" || path == "" {
			return fmt.Errorf("%w: --symbol-map expects module=path, got %q=%q", ErrInvalidFlags, module, path)
		}
	}

	return nil
}

func (f Flags) FilterConfig() filter.Config {
	return filter.Config{
		ProcessNames: f.Filter.ProcessFilter,
		PIDs:         f.Filter.PIDFilter,
		TimeStart:    f.Filter.TimeStart,
		TimeEnd:      f.Filter.TimeEnd,
	}
}

// StripPrefixRegexp compiles the source file prefix pattern. It returns nil
// if no pattern is configured.
func (f FlagsProfile) StripPrefixRegexp() (*regexp.Regexp, error) {
	if f.StripSourceFilePrefix == "" {
		return nil, nil
	}
	return regexp.Compile(f.StripSourceFilePrefix)
}
