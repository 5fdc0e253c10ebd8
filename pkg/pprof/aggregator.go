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

package pprof

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Label is a sample label. Key and Value are string table indices.
type Label struct {
	Key   int64
	Value int64
}

// Labels is a label set kept sorted by key then value.
type Labels []Label

func (ls Labels) Len() int      { return len(ls) }
func (ls Labels) Swap(i, j int) { ls[i], ls[j] = ls[j], ls[i] }
func (ls Labels) Less(i, j int) bool {
	if ls[i].Key != ls[j].Key {
		return ls[i].Key < ls[j].Key
	}
	return ls[i].Value < ls[j].Value
}

// Sample is one aggregated (stack, label set) bucket.
type Sample struct {
	// LocationIDs are ordered leaf first.
	LocationIDs []uint64
	Labels      Labels
	Count       int64
}

func (s *Sample) equal(locationIDs []uint64, labels Labels) bool {
	if len(s.LocationIDs) != len(locationIDs) || len(s.Labels) != len(labels) {
		return false
	}
	for i := range locationIDs {
		if s.LocationIDs[i] != locationIDs[i] {
			return false
		}
	}
	for i := range labels {
		if s.Labels[i] != labels[i] {
			return false
		}
	}
	return true
}

// Aggregator folds identical (stack, label set) combinations into a single
// weighted sample.
type Aggregator struct {
	samples []*Sample
	// index maps a key hash to the positions of samples with that hash.
	index map[uint64][]int

	hash *xxhash.Digest
	b    [8]byte
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		index: map[uint64][]int{},
		hash:  xxhash.New(),
	}
}

// Add records one raw sample. labels is sorted in place. It reports whether
// the sample was merged into an existing bucket. Neither slice is retained.
func (a *Aggregator) Add(locationIDs []uint64, labels Labels) bool {
	sort.Sort(labels)

	h := a.keyHash(locationIDs, labels)
	for _, i := range a.index[h] {
		if s := a.samples[i]; s.equal(locationIDs, labels) {
			s.Count++
			return true
		}
	}

	s := &Sample{
		LocationIDs: append([]uint64(nil), locationIDs...),
		Labels:      append(Labels(nil), labels...),
		Count:       1,
	}
	a.index[h] = append(a.index[h], len(a.samples))
	a.samples = append(a.samples, s)
	return false
}

// Samples returns the aggregated samples in order of first appearance.
func (a *Aggregator) Samples() []*Sample {
	return a.samples
}

// Total returns the number of raw samples added.
func (a *Aggregator) Total() int64 {
	var total int64
	for _, s := range a.samples {
		total += s.Count
	}
	return total
}

func (a *Aggregator) keyHash(locationIDs []uint64, labels Labels) uint64 {
	a.hash.Reset()
	for _, id := range locationIDs {
		binary.LittleEndian.PutUint64(a.b[:], id)
		_, _ = a.hash.Write(a.b[:])
	}
	// Separate the stack from the labels so that neither can alias the other.
	binary.LittleEndian.PutUint64(a.b[:], uint64(len(locationIDs)))
	_, _ = a.hash.Write(a.b[:])
	for _, l := range labels {
		binary.LittleEndian.PutUint32(a.b[:4], uint32(l.Key))
		binary.LittleEndian.PutUint32(a.b[4:], uint32(l.Value))
		_, _ = a.hash.Write(a.b[:])
	}
	return a.hash.Sum64()
}
