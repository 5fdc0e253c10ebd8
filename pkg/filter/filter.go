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

// Package filter decides which captured samples make it into a profile.
package filter

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wildcard disables an allow-list.
const Wildcard = "*"

// Reason explains why a sample was excluded.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTimeRange   Reason = "time_range"
	ReasonProcessName Reason = "process_name"
	ReasonPID         Reason = "pid"
)

var ErrInvalidTimeRange = errors.New("invalid time range")

// Config is the filter configuration as supplied on the command line.
type Config struct {
	// ProcessNames is a comma separated list of process names, or Wildcard.
	ProcessNames string
	// PIDs is a comma separated list of process ids, or Wildcard.
	PIDs string

	TimeStart float64
	TimeEnd   float64
}

// DefaultConfig keeps every sample.
func DefaultConfig() Config {
	return Config{
		ProcessNames: Wildcard,
		PIDs:         Wildcard,
		TimeStart:    0,
		TimeEnd:      math.Inf(1),
	}
}

// Policy is an immutable, parsed filter configuration.
type Policy struct {
	timeStart float64
	timeEnd   float64

	// nil means no filtering.
	names map[string]struct{}
	pids  map[uint32]struct{}
}

// New parses cfg into a Policy. Malformed lists and inverted time ranges are
// configuration errors.
func New(cfg Config) (*Policy, error) {
	if math.IsNaN(cfg.TimeStart) || math.IsNaN(cfg.TimeEnd) || cfg.TimeStart > cfg.TimeEnd {
		return nil, fmt.Errorf("%w: [%v, %v]", ErrInvalidTimeRange, cfg.TimeStart, cfg.TimeEnd)
	}

	names, err := ParseNames(cfg.ProcessNames)
	if err != nil {
		return nil, err
	}
	pids, err := ParsePIDs(cfg.PIDs)
	if err != nil {
		return nil, err
	}

	return &Policy{
		timeStart: cfg.TimeStart,
		timeEnd:   cfg.TimeEnd,
		names:     names,
		pids:      pids,
	}, nil
}

// ParseNames parses a comma separated process name allow-list. A nil set is
// returned for the wildcard or an empty list.
func ParseNames(s string) (map[string]struct{}, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == Wildcard {
		return nil, nil
	}

	names := map[string]struct{}{}
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == Wildcard {
			return nil, nil
		}
		names[name] = struct{}{}
	}
	if len(names) == 0 {
		return nil, nil
	}
	return names, nil
}

// ParsePIDs parses a comma separated process id allow-list. A nil set is
// returned for the wildcard or an empty list.
func ParsePIDs(s string) (map[uint32]struct{}, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == Wildcard {
		return nil, nil
	}

	pids := map[uint32]struct{}{}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if field == Wildcard {
			return nil, nil
		}
		pid, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q: %w", field, err)
		}
		pids[uint32(pid)] = struct{}{}
	}
	if len(pids) == 0 {
		return nil, nil
	}
	return pids, nil
}

// Check returns ReasonNone if the sample is retained, or the first reason it
// is excluded for.
func (p *Policy) Check(pid uint32, processName string, timestamp float64) Reason {
	if math.IsNaN(timestamp) || timestamp < p.timeStart || timestamp > p.timeEnd {
		return ReasonTimeRange
	}
	if p.names != nil {
		if _, ok := p.names[processName]; !ok {
			return ReasonProcessName
		}
	}
	if p.pids != nil {
		if _, ok := p.pids[pid]; !ok {
			return ReasonPID
		}
	}
	return ReasonNone
}

// ShouldInclude reports whether a sample passes every configured filter.
func (p *Policy) ShouldInclude(pid uint32, processName string, timestamp float64) bool {
	return p.Check(pid, processName, timestamp) == ReasonNone
}

// TimeRange returns the requested inclusive time range in seconds.
func (p *Policy) TimeRange() (start, end float64) {
	return p.timeStart, p.timeEnd
}
