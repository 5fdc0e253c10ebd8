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

// Package pprof builds a deduplicated pprof profile from captured stack
// samples and writes it gzip-compressed to disk.
//
// A Writer is not safe for concurrent use: samples must be added from a
// single goroutine.
package pprof

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pprofprofile "github.com/google/pprof/profile"
	"github.com/grafana/regexp"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/model/relabel"

	"github.com/parca-dev/trace2pprof/pkg/chrome"
	"github.com/parca-dev/trace2pprof/pkg/filter"
	"github.com/parca-dev/trace2pprof/pkg/trace"
)

var ErrFinalized = errors.New("profile already finalized")

const (
	sampleType = "samples"
	sampleUnit = "count"

	// Windows samples at 1kHz unless configured otherwise.
	DefaultSamplingInterval = time.Millisecond
)

type Options struct {
	// Filter decides which samples are retained. Nil keeps everything.
	Filter *filter.Policy

	IncludeInlinedFunctions    bool
	IncludeProcessIDs          bool
	IncludeProcessAndThreadIDs bool
	SuppressProcessName        bool

	SplitChromeProcesses bool
	// ChromeExecutable defaults to chrome.DefaultExecutable.
	ChromeExecutable string

	// StripSourceFilePrefix is removed, up to the end of its first match,
	// from every source file path.
	StripSourceFilePrefix *regexp.Regexp

	RelabelConfigs []*relabel.Config

	SamplingInterval time.Duration
	// CaptureTime is the wall clock time at which the trace started. Sample
	// timestamps are relative to it.
	CaptureTime time.Time
	Comments    []string
}

// Stats summarizes what a Writer has ingested so far.
type Stats struct {
	Ingested  int64
	Retained  int64
	Filtered  int64
	Relabeled int64

	Samples   int
	Locations int
	Functions int
	Mappings  int
	Strings   int
}

type Writer struct {
	logger  log.Logger
	metrics *writerMetrics
	opts    Options
	filter  *filter.Policy

	strings   *StringTable
	files     *FileTable
	functions *FunctionTable
	mappings  *MappingTable
	locations *LocationTable
	samples   *Aggregator

	labelCache map[labelCacheKey]labelRetrievalResult

	stats       Stats
	hasObserved bool
	minObserved float64
	maxObserved float64

	locBuf  []uint64
	lineBuf []Line

	result *pprofprofile.Profile
}

func NewWriter(logger log.Logger, reg prometheus.Registerer, opts Options) *Writer {
	if opts.Filter == nil {
		// The default configuration cannot fail to parse.
		opts.Filter, _ = filter.New(filter.DefaultConfig())
	}
	if opts.ChromeExecutable == "" {
		opts.ChromeExecutable = chrome.DefaultExecutable
	}
	if opts.SamplingInterval <= 0 {
		opts.SamplingInterval = DefaultSamplingInterval
	}

	strings := NewStringTable()
	return &Writer{
		logger:  logger,
		metrics: newWriterMetrics(reg),
		opts:    opts,
		filter:  opts.Filter,

		strings:   strings,
		files:     NewFileTable(strings, opts.StripSourceFilePrefix),
		functions: NewFunctionTable(),
		mappings:  NewMappingTable(),
		locations: NewLocationTable(),
		samples:   NewAggregator(),

		labelCache: map[labelCacheKey]labelRetrievalResult{},
	}
}

// AddSample applies the filter policy to s and, if it is retained, folds it
// into the profile. Excluded samples leave no trace in the profile. The only
// error is ErrFinalized.
func (w *Writer) AddSample(s *trace.Sample) error {
	if w.result != nil {
		return ErrFinalized
	}

	w.stats.Ingested++
	w.metrics.samplesIngested.Inc()

	if reason := w.filter.Check(s.PID(), s.ProcessName(), s.Timestamp); reason != filter.ReasonNone {
		w.stats.Filtered++
		w.metrics.sampleDrop.WithLabelValues(string(reason)).Inc()
		return nil
	}

	lbls := w.labelsForSample(s)
	if !lbls.keep {
		w.stats.Relabeled++
		w.metrics.sampleDrop.WithLabelValues(labelSampleDropReasonRelabel).Inc()
		return nil
	}

	locs := w.locBuf[:0]
	for i := range s.Frames {
		locs = append(locs, w.addLocation(&s.Frames[i]))
	}
	w.locBuf = locs

	if w.samples.Add(locs, lbls.labels) {
		w.metrics.samplesMerged.Inc()
	}

	w.stats.Retained++
	w.observe(s.Timestamp)
	return nil
}

func (w *Writer) observe(ts float64) {
	if !w.hasObserved {
		w.hasObserved = true
		w.minObserved, w.maxObserved = ts, ts
		return
	}
	w.minObserved = math.Min(w.minObserved, ts)
	w.maxObserved = math.Max(w.maxObserved, ts)
}

func (w *Writer) addLocation(f *trace.Frame) uint64 {
	var mappingID uint64
	if f.Module != nil {
		mappingID = w.mappings.Intern(
			w.strings.Intern(f.Module.Path),
			f.Module.Base,
			f.Module.Size,
			f.Module.Offset,
		)
	}

	if !f.Symbolized() {
		w.metrics.framesUnsymbolized.Inc()
		return w.locations.Intern(mappingID, f.Address, nil)
	}

	lines := w.lineBuf[:0]
	lines = append(lines, Line{
		FunctionID: w.addFunction(f.Function, f.SystemName, f.File),
		Line:       f.Line,
	})
	if w.opts.IncludeInlinedFunctions {
		for _, in := range f.Inlined {
			lines = append(lines, Line{
				FunctionID: w.addFunction(in.Function, "", in.File),
				Line:       in.Line,
			})
		}
	}
	w.lineBuf = lines

	return w.locations.Intern(mappingID, f.Address, lines)
}

func (w *Writer) addFunction(name, systemName, file string) uint64 {
	if systemName == "" {
		systemName = name
	}
	return w.functions.Intern(
		w.strings.Intern(name),
		w.strings.Intern(systemName),
		w.files.Intern(file),
	)
}

// Stats returns ingestion statistics.
func (w *Writer) Stats() Stats {
	st := w.stats
	st.Samples = len(w.samples.Samples())
	st.Locations = w.locations.Len()
	st.Functions = w.functions.Len()
	st.Mappings = w.mappings.Len()
	st.Strings = w.strings.Len()
	return st
}

// Finalize snapshots the accumulated tables and samples into a pprof
// profile. Later calls return the same profile and AddSample fails from then
// on.
func (w *Writer) Finalize() *pprofprofile.Profile {
	if w.result != nil {
		return w.result
	}

	start, end := w.timeRange()
	p := &pprofprofile.Profile{
		SampleType: []*pprofprofile.ValueType{{
			Type: sampleType,
			Unit: sampleUnit,
		}},
		DefaultSampleType: sampleType,
		PeriodType: &pprofprofile.ValueType{
			Type: "cpu",
			Unit: "nanoseconds",
		},
		Period:        w.opts.SamplingInterval.Nanoseconds(),
		TimeNanos:     int64(seconds(start)),
		DurationNanos: int64(seconds(end - start)),
		Comments:      w.opts.Comments,
	}
	if !w.opts.CaptureTime.IsZero() {
		p.TimeNanos = addNanos(w.opts.CaptureTime.UnixNano(), seconds(start))
	}

	p.Mapping = make([]*pprofprofile.Mapping, 0, w.mappings.Len())
	for _, m := range w.mappings.mappings {
		p.Mapping = append(p.Mapping, &pprofprofile.Mapping{
			ID:              m.ID,
			Start:           m.Start,
			Limit:           m.Limit,
			Offset:          m.Offset,
			File:            w.strings.Get(m.File),
			HasInlineFrames: w.opts.IncludeInlinedFunctions,
		})
	}

	p.Function = make([]*pprofprofile.Function, 0, w.functions.Len())
	for _, f := range w.functions.functions {
		p.Function = append(p.Function, &pprofprofile.Function{
			ID:         f.ID,
			Name:       w.strings.Get(f.Name),
			SystemName: w.strings.Get(f.SystemName),
			Filename:   w.strings.Get(f.Filename),
		})
	}

	p.Location = make([]*pprofprofile.Location, 0, w.locations.Len())
	for _, l := range w.locations.locations {
		loc := &pprofprofile.Location{
			ID:      l.ID,
			Address: l.Address,
		}
		if l.MappingID != 0 {
			loc.Mapping = p.Mapping[l.MappingID-1]
			if len(l.Lines) > 0 {
				loc.Mapping.HasFunctions = true
			}
		}
		// pprof expects the innermost function first.
		loc.Line = make([]pprofprofile.Line, len(l.Lines))
		for i, line := range l.Lines {
			loc.Line[len(l.Lines)-1-i] = pprofprofile.Line{
				Function: p.Function[line.FunctionID-1],
				Line:     line.Line,
			}
		}
		p.Location = append(p.Location, loc)
	}

	p.Sample = make([]*pprofprofile.Sample, 0, len(w.samples.Samples()))
	for _, s := range w.samples.Samples() {
		ps := &pprofprofile.Sample{
			Location: make([]*pprofprofile.Location, 0, len(s.LocationIDs)),
			Value:    []int64{s.Count},
		}
		for _, id := range s.LocationIDs {
			ps.Location = append(ps.Location, p.Location[id-1])
		}
		if len(s.Labels) > 0 {
			ps.Label = make(map[string][]string, len(s.Labels))
			for _, l := range s.Labels {
				k := w.strings.Get(l.Key)
				ps.Label[k] = append(ps.Label[k], w.strings.Get(l.Value))
			}
		}
		p.Sample = append(p.Sample, ps)
	}

	st := w.Stats()
	level.Debug(w.logger).Log(
		"msg", "profile finalized",
		"ingested", st.Ingested,
		"retained", st.Retained,
		"samples", st.Samples,
		"locations", st.Locations,
		"functions", st.Functions,
		"mappings", st.Mappings,
		"strings", st.Strings,
	)

	w.result = p
	return p
}

// timeRange returns the profile's time range in seconds: the requested start
// and either the requested end or, if unbounded, the last retained sample.
func (w *Writer) timeRange() (float64, float64) {
	start, end := w.filter.TimeRange()
	if !w.hasObserved {
		if math.IsInf(end, 1) {
			end = start
		}
		return start, end
	}

	// The profile ends with its last retained sample.
	if last := math.Max(w.maxObserved, start); end > last {
		end = last
	}
	return start, end
}

// maxSeconds is the largest number of seconds a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

// seconds converts s to a duration, saturating at the limits of
// time.Duration.
func seconds(s float64) time.Duration {
	switch {
	case s >= maxSeconds:
		return math.MaxInt64
	case s <= -maxSeconds:
		return math.MinInt64
	}
	return time.Duration(s * float64(time.Second))
}

func addNanos(t int64, d time.Duration) int64 {
	n := t + int64(d)
	switch {
	case d > 0 && n < t:
		return math.MaxInt64
	case d < 0 && n > t:
		return math.MinInt64
	}
	return n
}

type accountingWriter struct {
	n int64
	w io.Writer
}

func (a *accountingWriter) Write(p []byte) (n int, err error) {
	n, err = a.w.Write(p)
	a.n += int64(n)
	return
}

// WriteTo finalizes the profile and writes it gzip-compressed to out. It
// returns the number of compressed bytes written.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	p := w.Finalize()
	if err := p.CheckValid(); err != nil {
		return 0, fmt.Errorf("invalid profile: %w", err)
	}

	aw := &accountingWriter{w: out}
	gz := gzip.NewWriter(aw)
	if err := p.WriteUncompressed(gz); err != nil {
		return aw.n, fmt.Errorf("encode profile: %w", err)
	}
	if err := gz.Close(); err != nil {
		return aw.n, fmt.Errorf("gzip close: %w", err)
	}
	return aw.n, nil
}

// Write finalizes the profile and writes it gzip-compressed to path,
// replacing any existing file. The profile is written to a temporary file
// next to path first so that path never holds a partial profile.
func (w *Writer) Write(path string) (int64, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	tmp := f.Name()

	n, err := w.writeFile(f)
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename output file: %w", err)
	}

	level.Debug(w.logger).Log("msg", "profile written", "path", path, "bytes", n)
	return n, nil
}

func (w *Writer) writeFile(f *os.File) (int64, error) {
	n, err := w.WriteTo(f)
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return 0, fmt.Errorf("chmod output file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("sync output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close output file: %w", err)
	}
	return n, nil
}
