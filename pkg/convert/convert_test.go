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

package convert

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	pprofprofile "github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/trace2pprof/pkg/filter"
	"github.com/parca-dev/trace2pprof/pkg/pprof"
)

// ntdll.dll is loaded at 0x10000 in both processes.
const testTrace = `{"type":"header","start_time":"2024-03-14T09:26:53Z"}
{"type":"process","pid":1004,"name":"chrome.exe","command_line":"chrome.exe --type=gpu-process"}
{"type":"module","pid":1004,"path":"C:\\Windows\\System32\\ntdll.dll","base":65536,"size":65536}
{"type":"process","pid":500,"name":"dwm.exe"}
{"type":"module","pid":500,"path":"C:\\Windows\\System32\\ntdll.dll","base":65536,"size":65536}
{"type":"process","pid":2200,"name":"explorer.exe"}
{"type":"sample","pid":1004,"tid":1,"timestamp":0.5,"frames":[{"address":66816},{"address":4096,"function":"gpu::Main","file":"gpu/main.cc","line":3}]}
{"type":"sample","pid":1004,"tid":2,"timestamp":1.5,"frames":[{"address":66816},{"address":4096,"function":"gpu::Main","file":"gpu/main.cc","line":3}]}
{"type":"sample","pid":500,"tid":3,"timestamp":2.5,"frames":[{"address":66820}]}
{"type":"sample","pid":2200,"tid":4,"timestamp":3.5,"frames":[{"address":66816}]}
{"type":"sample","pid":500,"tid":3,"timestamp":12,"frames":[{"address":66816}]}
`

// 66816 is 0x10500, so the RVA of the frames above is 0x500.
const ntdllMap = `500 10 NtWaitForSingleObject
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestConverter(t *testing.T, opts Options) *Converter {
	t.Helper()
	return NewConverter(log.NewNopLogger(), prometheus.NewRegistry(), opts)
}

func TestConverterRun(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "trace.jsonl", testTrace)
	symbols := writeFile(t, dir, "ntdll.map", ntdllMap)
	output := filepath.Join(dir, "trace.pb.gz")

	policy, err := filter.New(filter.Config{
		ProcessNames: "chrome.exe,dwm.exe,audiodg.exe",
		PIDs:         filter.Wildcard,
		TimeStart:    0,
		TimeEnd:      10,
	})
	require.NoError(t, err)

	c := newTestConverter(t, Options{
		Writer: pprof.Options{
			Filter:               policy,
			SplitChromeProcesses: true,
		},
		SymbolMaps: map[string]string{"ntdll.dll": symbols},
	})

	res, err := c.Run(context.Background(), input, output)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Samples)
	require.Equal(t, int64(3), res.Retained)
	require.Equal(t, int64(2), res.Filtered)
	require.Equal(t, int64(3), res.Symbolized)
	require.Equal(t, 2, res.Aggregated)

	fi, err := os.Stat(output)
	require.NoError(t, err)
	require.Equal(t, fi.Size(), res.BytesWritten)

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()

	p, err := pprofprofile.Parse(f)
	require.NoError(t, err)
	require.Len(t, p.Sample, 2)
	require.Equal(t, time.Date(2024, 3, 14, 9, 26, 53, 0, time.UTC).UnixNano(), p.TimeNanos)

	counts := map[string]int64{}
	for _, s := range p.Sample {
		counts[s.Label[pprof.LabelProcessName][0]] += s.Value[0]
		require.Equal(t, "NtWaitForSingleObject", s.Location[0].Line[0].Function.Name)
	}
	require.Equal(t, map[string]int64{
		"chrome.exe (gpu)": 2,
		"dwm.exe":          1,
	}, counts)

	_, err = c.Run(context.Background(), input, output)
	require.ErrorIs(t, err, ErrAlreadyRun)
}

func TestConverterRunWithoutSymbols(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "trace.jsonl", testTrace)
	output := filepath.Join(dir, "trace.pb.gz")

	res, err := newTestConverter(t, Options{}).Run(context.Background(), input, output)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Samples)
	require.Equal(t, int64(5), res.Retained)
	require.Equal(t, int64(0), res.Symbolized)

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()

	p, err := pprofprofile.Parse(f)
	require.NoError(t, err)

	var total int64
	for _, s := range p.Sample {
		total += s.Value[0]
	}
	require.Equal(t, int64(5), total)
	require.Equal(t, int64(12*time.Second), p.DurationNanos)
}

func TestConverterRunErrors(t *testing.T) {
	t.Run("missing input", func(t *testing.T) {
		dir := t.TempDir()
		output := filepath.Join(dir, "trace.pb.gz")

		_, err := newTestConverter(t, Options{}).Run(context.Background(), filepath.Join(dir, "missing.jsonl"), output)
		require.ErrorIs(t, err, os.ErrNotExist)

		_, err = os.Stat(output)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("missing symbol map", func(t *testing.T) {
		dir := t.TempDir()
		input := writeFile(t, dir, "trace.jsonl", testTrace)
		output := filepath.Join(dir, "trace.pb.gz")

		_, err := newTestConverter(t, Options{
			SymbolMaps: map[string]string{"ntdll.dll": filepath.Join(dir, "missing.map")},
		}).Run(context.Background(), input, output)
		require.ErrorIs(t, err, os.ErrNotExist)

		_, err = os.Stat(output)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("malformed trace", func(t *testing.T) {
		dir := t.TempDir()
		input := writeFile(t, dir, "trace.jsonl", testTrace+"{\"type\":\"sample\",\n")
		output := filepath.Join(dir, "trace.pb.gz")

		res, err := newTestConverter(t, Options{}).Run(context.Background(), input, output)
		require.ErrorContains(t, err, "line 12")
		require.Equal(t, int64(5), res.Samples)

		_, err = os.Stat(output)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("output directory missing", func(t *testing.T) {
		dir := t.TempDir()
		input := writeFile(t, dir, "trace.jsonl", testTrace)

		_, err := newTestConverter(t, Options{}).Run(context.Background(), input, filepath.Join(dir, "out", "trace.pb.gz"))
		require.Error(t, err)
	})
}
