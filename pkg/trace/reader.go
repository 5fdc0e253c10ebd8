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

package trace

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	recordHeader  = "header"
	recordProcess = "process"
	recordModule  = "module"
	recordSample  = "sample"
)

var errUnknownRecord = errors.New("unknown record type")

type record struct {
	Type string `json:"type"`

	// header
	StartTime time.Time `json:"start_time"`

	// process, module and sample
	PID uint32 `json:"pid"`

	// process
	Name        string `json:"name"`
	CommandLine string `json:"command_line"`

	// module
	Path   string `json:"path"`
	Base   uint64 `json:"base"`
	Size   uint64 `json:"size"`
	Offset uint64 `json:"offset"`

	// sample
	TID       *uint32       `json:"tid"`
	Timestamp float64       `json:"timestamp"`
	Frames    []frameRecord `json:"frames"`
}

type frameRecord struct {
	Address    uint64         `json:"address"`
	Module     string         `json:"module"`
	Function   string         `json:"function"`
	SystemName string         `json:"system_name"`
	File       string         `json:"file"`
	Line       int64          `json:"line"`
	Inlined    []inlineRecord `json:"inlined"`
}

type inlineRecord struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int64  `json:"line"`
}

type processState struct {
	process *Process
	// modules are kept sorted by base address.
	modules []*Module
	byPath  map[string]*Module
}

// Reader decodes a JSON Lines trace. Process and module records update the
// reader's state; Next only returns samples.
type Reader struct {
	r      *bufio.Reader
	closer io.Closer
	line   int

	header    Header
	processes map[uint32]*processState
	pending   []byte
}

// OpenFile opens a trace file, transparently decompressing gzip input.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader returns a Reader decoding from r. If the first record is a header
// it is consumed immediately so that Header is available before the first
// call to Next.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		br = bufio.NewReaderSize(gz, 64*1024)
	}

	tr := &Reader{
		r:         br,
		processes: map[uint32]*processState{},
	}

	line, err := tr.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return tr, nil
		}
		return nil, err
	}

	rec := record{}
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("line %d: %w", tr.line, err)
	}
	if rec.Type == recordHeader {
		tr.header.StartTime = rec.StartTime
		return tr, nil
	}

	tr.pending = line
	return tr, nil
}

// Header returns the trace-wide metadata. It is zero if the trace has no
// header record.
func (r *Reader) Header() Header {
	return r.header
}

// Close closes the underlying file if the reader was created with OpenFile.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Reader) readLine() ([]byte, error) {
	for {
		b, err := r.r.ReadBytes('\n')
		if len(b) == 0 && err != nil {
			return nil, err
		}
		r.line++

		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		return b, nil
	}
}

// Next returns the next sample in the trace, or io.EOF once the trace is
// exhausted.
func (r *Reader) Next() (*Sample, error) {
	for {
		line := r.pending
		r.pending = nil
		if line == nil {
			var err error
			line, err = r.readLine()
			if err != nil {
				return nil, err
			}
		}

		rec := record{}
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}

		switch rec.Type {
		case recordHeader:
			r.header.StartTime = rec.StartTime
		case recordProcess:
			ps := r.process(rec.PID)
			// A new process record for a known pid means the pid was reused.
			ps.process = &Process{
				PID:         rec.PID,
				Name:        rec.Name,
				CommandLine: rec.CommandLine,
			}
			ps.modules = nil
			ps.byPath = map[string]*Module{}
		case recordModule:
			r.addModule(rec)
		case recordSample:
			return r.sample(rec), nil
		default:
			return nil, fmt.Errorf("line %d: %w: %q", r.line, errUnknownRecord, rec.Type)
		}
	}
}

func (r *Reader) process(pid uint32) *processState {
	ps, ok := r.processes[pid]
	if !ok {
		ps = &processState{
			process: &Process{PID: pid, Name: UnknownProcessName},
			byPath:  map[string]*Module{},
		}
		r.processes[pid] = ps
	}
	return ps
}

func (r *Reader) addModule(rec record) {
	ps := r.process(rec.PID)
	m := &Module{
		Path:   rec.Path,
		Base:   rec.Base,
		Size:   rec.Size,
		Offset: rec.Offset,
	}

	i := sort.Search(len(ps.modules), func(i int) bool {
		return ps.modules[i].Base >= m.Base
	})
	ps.modules = append(ps.modules, nil)
	copy(ps.modules[i+1:], ps.modules[i:])
	ps.modules[i] = m
	ps.byPath[m.Path] = m
}

// moduleForAddr returns the module containing addr, or nil.
func (ps *processState) moduleForAddr(addr uint64) *Module {
	i := sort.Search(len(ps.modules), func(i int) bool {
		return ps.modules[i].Base > addr
	})
	if i == 0 {
		return nil
	}
	if m := ps.modules[i-1]; m.Contains(addr) {
		return m
	}
	return nil
}

func (ps *processState) moduleByPath(path string) *Module {
	if m, ok := ps.byPath[path]; ok {
		return m
	}
	m := &Module{Path: path}
	ps.byPath[path] = m
	return m
}

func (r *Reader) sample(rec record) *Sample {
	ps := r.process(rec.PID)
	s := &Sample{
		Process:   ps.process,
		TID:       rec.TID,
		Timestamp: rec.Timestamp,
		Frames:    make([]Frame, len(rec.Frames)),
	}

	for i, fr := range rec.Frames {
		f := &s.Frames[i]
		f.Address = fr.Address
		f.Function = fr.Function
		f.SystemName = fr.SystemName
		f.File = fr.File
		f.Line = fr.Line

		f.Module = ps.moduleForAddr(fr.Address)
		if f.Module == nil && fr.Module != "" {
			f.Module = ps.moduleByPath(fr.Module)
		}

		if len(fr.Inlined) > 0 {
			f.Inlined = make([]InlinedFrame, len(fr.Inlined))
			for j, in := range fr.Inlined {
				f.Inlined[j] = InlinedFrame{
					Function: in.Function,
					File:     in.File,
					Line:     in.Line,
				}
			}
		}
	}

	return s
}
