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

// Package convert runs the trace to pprof conversion pipeline: symbol maps
// are loaded first, then the trace is streamed through the profile writer
// and the profile is written out.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/trace2pprof/pkg/filter"
	"github.com/parca-dev/trace2pprof/pkg/pprof"
	"github.com/parca-dev/trace2pprof/pkg/symbol"
	"github.com/parca-dev/trace2pprof/pkg/trace"
)

// Stdio is the input or output name for standard input or output.
const Stdio = "-"

var ErrAlreadyRun = errors.New("converter already ran")

type Options struct {
	Writer pprof.Options

	// SymbolMaps maps module paths or names to symbol map files.
	SymbolMaps map[string]string
	// SymbolConcurrency bounds the number of symbol maps read at once.
	SymbolConcurrency int
}

// Result summarizes a conversion.
type Result struct {
	// Samples is the number of samples read from the trace.
	Samples    int64
	Retained   int64
	Filtered   int64
	Relabeled  int64
	Symbolized int64

	// Aggregated is the number of distinct samples in the profile.
	Aggregated   int
	BytesWritten int64
}

type Converter struct {
	logger log.Logger
	reg    prometheus.Registerer
	opts   Options

	loader *symbol.Loader
	ran    bool
}

func NewConverter(logger log.Logger, reg prometheus.Registerer, opts Options) *Converter {
	if opts.Writer.Filter == nil {
		opts.Writer.Filter, _ = filter.New(filter.DefaultConfig())
	}
	return &Converter{
		logger: logger,
		reg:    reg,
		opts:   opts,
		loader: symbol.NewLoader(log.With(logger, "component", "symbol_loader"), reg, opts.SymbolConcurrency),
	}
}

// Run converts the trace at input into a profile at output. Either may be
// Stdio. ctx only bounds symbol loading; once ingestion starts it runs to
// completion. A Converter can only be run once.
func (c *Converter) Run(ctx context.Context, input, output string) (Result, error) {
	if c.ran {
		return Result{}, ErrAlreadyRun
	}
	c.ran = true

	table, err := c.loadSymbols(ctx)
	if err != nil {
		return Result{}, err
	}

	r, err := openTrace(input)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()

	opts := c.opts.Writer
	if opts.CaptureTime.IsZero() {
		opts.CaptureTime = r.Header().StartTime
	}
	w := pprof.NewWriter(log.With(c.logger, "component", "writer"), c.reg, opts)

	res := Result{}
	for {
		s, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read trace %s: %w", input, err)
		}
		res.Samples++

		// Only symbolize what is going to be kept.
		if table.Len() > 0 && opts.Filter.ShouldInclude(s.PID(), s.ProcessName(), s.Timestamp) {
			for i := range s.Frames {
				if table.Symbolize(&s.Frames[i]) {
					res.Symbolized++
				}
			}
		}

		if err := w.AddSample(s); err != nil {
			return res, err
		}
	}

	n, err := writeProfile(w, output)
	if err != nil {
		return res, err
	}

	st := w.Stats()
	res.Retained = st.Retained
	res.Filtered = st.Filtered
	res.Relabeled = st.Relabeled
	res.Aggregated = st.Samples
	res.BytesWritten = n

	level.Info(c.logger).Log(
		"msg", "profile written",
		"output", output,
		"size", humanize.Bytes(uint64(n)),
		"samples", res.Samples,
		"retained", res.Retained,
		"aggregated", res.Aggregated,
		"symbolized_frames", res.Symbolized,
	)
	return res, nil
}

func (c *Converter) loadSymbols(ctx context.Context) (*symbol.Table, error) {
	if len(c.opts.SymbolMaps) == 0 {
		return nil, nil
	}

	progress := make(chan symbol.Progress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			if p.Err != nil {
				level.Warn(c.logger).Log("msg", "symbol map skipped", "module", p.Module, "path", p.Path, "err", p.Err)
				continue
			}
			level.Debug(c.logger).Log(
				"msg", "symbol map loaded",
				"module", p.Module,
				"path", p.Path,
				"symbols", humanize.Comma(int64(p.Symbols)),
				"shared", p.Shared,
				"progress", fmt.Sprintf("%d/%d", p.Done, p.Total),
			)
		}
	}()

	table, err := c.loader.Load(ctx, c.opts.SymbolMaps, progress)
	<-done
	if err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	return table, nil
}

func openTrace(input string) (*trace.Reader, error) {
	if input == Stdio {
		r, err := trace.NewReader(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("open trace from stdin: %w", err)
		}
		return r, nil
	}
	return trace.OpenFile(input)
}

func writeProfile(w *pprof.Writer, output string) (int64, error) {
	if output == Stdio {
		n, err := w.WriteTo(os.Stdout)
		if err != nil {
			return 0, fmt.Errorf("write profile to stdout: %w", err)
		}
		return n, nil
	}

	n, err := w.Write(output)
	if err != nil {
		return 0, fmt.Errorf("write profile %s: %w", output, err)
	}
	return n, nil
}
