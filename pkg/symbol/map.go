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
	"errors"
	"sort"

	"github.com/RoaringBitmap/roaring"
)

var ErrNoSymbolFound = errors.New("no symbol found")

// MapAddr is one symbol of a module, covering [Start, End) relative to the
// module's base address.
type MapAddr struct {
	Start  uint64
	End    uint64
	Symbol int

	// seq is the line the symbol was read from.
	seq uint32
}

// Map is a symbol map of a single module, sorted by end address.
type Map struct {
	Path string

	addrs       []MapAddr
	stringTable *StringTable
}

func (m *Map) Len() int {
	return len(m.addrs)
}

// DeduplicatedIndices returns the indices of the symbols that survive
// de-duplication. Of overlapping symbols only the one that appears latest in
// the file is kept.
func (m *Map) DeduplicatedIndices() *roaring.Bitmap {
	bm := roaring.NewBitmap()

	// Kept symbols are disjoint and sorted by end address, so the ones
	// overlapping the current symbol are a suffix of kept.
	kept := make([]int, 0, len(m.addrs))
	for i, addr := range m.addrs {
		j := len(kept)
		newest := true
		for j > 0 && m.addrs[kept[j-1]].End > addr.Start {
			if m.addrs[kept[j-1]].seq > addr.seq {
				newest = false
				break
			}
			j--
		}
		if !newest {
			continue
		}

		for _, k := range kept[j:] {
			bm.Remove(uint32(k))
		}
		kept = append(kept[:j], i)
		bm.Add(uint32(i))
	}

	return bm
}

// Deduplicate drops overlapping symbols in place.
func (m *Map) Deduplicate() *Map {
	indices := m.DeduplicatedIndices()
	if int(indices.GetCardinality()) == len(m.addrs) {
		return m
	}

	addrs := make([]MapAddr, 0, indices.GetCardinality())
	it := indices.Iterator()
	for it.HasNext() {
		addrs = append(addrs, m.addrs[it.Next()])
	}
	m.addrs = addrs
	return m
}

// Lookup returns the symbol covering addr.
func (m *Map) Lookup(addr uint64) (string, error) {
	i := sort.Search(len(m.addrs), func(i int) bool {
		return addr < m.addrs[i].End
	})
	if i >= len(m.addrs) || m.addrs[i].Start > addr {
		return "", ErrNoSymbolFound
	}

	return m.stringTable.Get(m.addrs[i].Symbol), nil
}
