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

package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/trace2pprof/flags"
	"github.com/parca-dev/trace2pprof/pkg/buildinfo"
	"github.com/parca-dev/trace2pprof/pkg/config"
	"github.com/parca-dev/trace2pprof/pkg/convert"
	"github.com/parca-dev/trace2pprof/pkg/filter"
	"github.com/parca-dev/trace2pprof/pkg/logger"
	"github.com/parca-dev/trace2pprof/pkg/pprof"
)

var (
	version string
	commit  string
)

func main() {
	os.Exit(int(execute(os.Args[1:])))
}

func execute(args []string) flags.ExitCode {
	f, err := flags.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return flags.ExitParseError
	}
	if err := f.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return flags.ExitParseError
	}

	buildInfo, err := buildinfo.FetchBuildInfo()
	if err != nil {
		buildInfo = &buildinfo.Info{}
	}
	if f.Version {
		fmt.Fprintf(os.Stdout, "trace2pprof %s\n", buildInfo.Version(version, commit))
		return flags.ExitSuccess
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "trace2pprof")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	level.Debug(logger).Log("msg", "trace2pprof initialized",
		"version", buildInfo.Version(version, commit),
		"config", fmt.Sprintf("%+v", f),
	)

	opts, err := options(f)
	if err != nil {
		level.Error(logger).Log("err", err)
		return flags.ExitParseError
	}

	code := flags.ExitSuccess
	if err := run(logger, reg, f, opts); err != nil {
		level.Error(logger).Log("err", err)
		code = flags.ExitFailure
	}

	if f.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(f.MetricsFile, reg); err != nil {
			level.Error(logger).Log("msg", "failed to write metrics", "path", f.MetricsFile, "err", err)
			code = flags.ExitFailure
		}
	}
	return code
}

// options merges the flags with the optional config file. Symbol maps given
// on the command line take precedence over the config file.
func options(f flags.Flags) (convert.Options, error) {
	cfg := &config.Config{}
	if f.ConfigPath != "" {
		cfgFile, err := config.LoadFile(f.ConfigPath)
		if err != nil {
			return convert.Options{}, fmt.Errorf("failed to read config: %w", err)
		}
		cfg = cfgFile
	}

	policy, err := filter.New(f.FilterConfig())
	if err != nil {
		return convert.Options{}, err
	}
	stripPrefix, err := f.Profile.StripPrefixRegexp()
	if err != nil {
		return convert.Options{}, err
	}

	symbolMaps := make(map[string]string, len(cfg.SymbolMaps)+len(f.Symbols.Map))
	for module, path := range cfg.SymbolMaps {
		symbolMaps[module] = path
	}
	for module, path := range f.Symbols.Map {
		symbolMaps[module] = path
	}

	return convert.Options{
		Writer: pprof.Options{
			Filter:                     policy,
			IncludeInlinedFunctions:    f.Profile.IncludeInlinedFunctions,
			IncludeProcessIDs:          f.Profile.IncludeProcessIDs,
			IncludeProcessAndThreadIDs: f.Profile.IncludeProcessAndThreadIDs,
			SuppressProcessName:        f.Profile.SuppressProcessName,
			SplitChromeProcesses:       f.Profile.SplitChromeProcesses,
			ChromeExecutable:           f.Profile.ChromeExecutable,
			StripSourceFilePrefix:      stripPrefix,
			RelabelConfigs:             cfg.RelabelConfigs,
			SamplingInterval:           f.Profile.SamplingInterval,
			Comments:                   cfg.Comments,
		},
		SymbolMaps:        symbolMaps,
		SymbolConcurrency: f.Symbols.Concurrency,
	}, nil
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags, opts convert.Options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	execute, interrupt := okrun.SignalHandler(ctx, os.Interrupt, os.Kill)
	return runGroup(ctx, logger, convert.NewConverter(logger, reg, opts), f, execute, interrupt)
}

// runGroup runs the conversion next to the signal actor. A signal cancels
// symbol loading. Once ingestion has started the conversion runs to
// completion and its result is what counts.
func runGroup(
	ctx context.Context,
	logger log.Logger,
	converter *convert.Converter,
	f flags.Flags,
	signalExecute func() error,
	signalInterrupt func(error),
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		g       okrun.Group
		convErr error
	)

	g.Add(func() error {
		level.Debug(logger).Log("msg", "starting: conversion", "input", f.Input, "output", f.Output)
		defer level.Debug(logger).Log("msg", "stopped: conversion")

		_, convErr = converter.Run(ctx, f.Input, f.Output)
		return convErr
	}, func(error) {
		cancel()
	})

	g.Add(signalExecute, signalInterrupt)

	// Run waits for every actor, so convErr is final here.
	if err := g.Run(); err != nil && convErr == nil {
		level.Warn(logger).Log("msg", "signal arrived after symbols were loaded, the profile was written anyway", "err", err)
	}
	return convErr
}
