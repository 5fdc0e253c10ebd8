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

package symbol

import (
	"github.com/parca-dev/trace2pprof/pkg/trace"
)

// Table holds the loaded symbol maps by module. It is read-only and safe for
// concurrent use.
type Table struct {
	maps    map[string]*Map
	metrics *metrics
}

// Len returns the number of modules with symbols.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.maps)
}

// Symbolize fills in the function name of an unsymbolized frame whose module
// has a symbol map. It reports whether the frame was changed.
func (t *Table) Symbolize(f *trace.Frame) bool {
	if t == nil || f.Symbolized() || f.Module == nil || f.Address < f.Module.Base {
		return false
	}

	m, ok := t.maps[moduleKey(f.Module.Path)]
	if !ok {
		return false
	}

	sym, err := m.Lookup(f.Address - f.Module.Base)
	if err != nil {
		t.metrics.lookups.WithLabelValues(lookupResultMissing).Inc()
		return false
	}

	t.metrics.lookups.WithLabelValues(lookupResultResolved).Inc()
	f.Function = sym
	return true
}
