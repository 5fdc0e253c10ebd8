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

// Package trace holds the decoded form of captured CPU stack samples as they
// are handed to the profile writer, and a JSON Lines reader producing them.
package trace

import "time"

// UnknownProcessName is used for samples whose process was never described
// by the trace.
const UnknownProcessName = "<unknown>"

// Process describes the process a sample was captured in.
type Process struct {
	PID         uint32
	Name        string
	CommandLine string
}

// Module is a loaded image (executable or shared library).
type Module struct {
	Path   string
	Base   uint64
	Size   uint64
	Offset uint64
}

// Contains reports whether addr falls within the module's address range.
func (m *Module) Contains(addr uint64) bool {
	return m.Base <= addr && addr < m.Base+m.Size
}

// InlinedFrame is a logical function call that the compiler inlined into the
// native frame that owns it.
type InlinedFrame struct {
	Function string
	File     string
	Line     int64
}

// Frame is one native stack frame. Function is empty when the frame could not
// be symbolized, in which case only Address (and possibly Module) is known.
type Frame struct {
	Address    uint64
	Module     *Module
	Function   string
	SystemName string
	File       string
	Line       int64

	// Inlined holds the functions inlined at Address, outermost first: the
	// last entry is the innermost call.
	Inlined []InlinedFrame
}

// Symbolized reports whether the frame carries a function name.
func (f *Frame) Symbolized() bool {
	return f.Function != ""
}

// Sample is a single captured call stack.
type Sample struct {
	Process *Process
	// TID is nil when the capture did not record the thread.
	TID       *uint32
	Timestamp float64 // seconds since the start of the trace

	// Frames are ordered leaf first.
	Frames []Frame
}

// PID returns the sample's process id, or 0 if the process is unknown.
func (s *Sample) PID() uint32 {
	if s.Process == nil {
		return 0
	}
	return s.Process.PID
}

// ProcessName returns the sample's process name, or UnknownProcessName.
func (s *Sample) ProcessName() string {
	if s.Process == nil || s.Process.Name == "" {
		return UnknownProcessName
	}
	return s.Process.Name
}

// Header carries trace-wide metadata.
type Header struct {
	StartTime time.Time
}
