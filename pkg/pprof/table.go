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

	"github.com/cespare/xxhash/v2"
	"github.com/grafana/regexp"
)

// StringTable interns strings. Index 0 always holds the empty string.
type StringTable struct {
	strings []string
	dict    map[string]int64
}

func NewStringTable() *StringTable {
	return &StringTable{
		strings: []string{""},
		dict:    map[string]int64{"": 0},
	}
}

// Intern returns the index of s, adding it to the table if necessary.
func (t *StringTable) Intern(s string) int64 {
	if i, ok := t.dict[s]; ok {
		return i
	}

	i := int64(len(t.strings))
	t.strings = append(t.strings, s)
	t.dict[s] = i
	return i
}

func (t *StringTable) Get(i int64) string {
	return t.strings[i]
}

func (t *StringTable) Len() int {
	return len(t.strings)
}

// FileTable interns source file paths into a StringTable. The configured
// prefix pattern is stripped when a raw path is first seen; later lookups of
// the same raw path reuse that result.
type FileTable struct {
	strings *StringTable
	strip   *regexp.Regexp
	ids     map[string]int64
}

func NewFileTable(strings *StringTable, strip *regexp.Regexp) *FileTable {
	return &FileTable{
		strings: strings,
		strip:   strip,
		ids:     map[string]int64{},
	}
}

func (t *FileTable) Intern(path string) int64 {
	if path == "" {
		return 0
	}
	if i, ok := t.ids[path]; ok {
		return i
	}

	i := t.strings.Intern(StripPrefix(t.strip, path))
	t.ids[path] = i
	return i
}

// StripPrefix removes everything up to the end of the first match of re in
// path. A nil re leaves path untouched.
func StripPrefix(re *regexp.Regexp, path string) string {
	if re == nil {
		return path
	}
	loc := re.FindStringIndex(path)
	if loc == nil {
		return path
	}
	return path[loc[1]:]
}

// Function is an interned function. Name, SystemName and Filename are string
// table indices.
type Function struct {
	ID         uint64
	Name       int64
	SystemName int64
	Filename   int64
}

type functionKey struct {
	name       int64
	systemName int64
	filename   int64
}

// FunctionTable interns functions by (name, system name, file name).
type FunctionTable struct {
	functions []Function
	index     map[functionKey]uint64
}

func NewFunctionTable() *FunctionTable {
	return &FunctionTable{
		index: map[functionKey]uint64{},
	}
}

// Intern returns the 1-based id of the function, adding it if necessary.
func (t *FunctionTable) Intern(name, systemName, filename int64) uint64 {
	key := functionKey{name: name, systemName: systemName, filename: filename}
	if id, ok := t.index[key]; ok {
		return id
	}

	id := uint64(len(t.functions)) + 1 // pprof ids are 1-based, 0 means unset.
	t.functions = append(t.functions, Function{
		ID:         id,
		Name:       name,
		SystemName: systemName,
		Filename:   filename,
	})
	t.index[key] = id
	return id
}

func (t *FunctionTable) Get(id uint64) Function {
	return t.functions[id-1]
}

func (t *FunctionTable) Len() int {
	return len(t.functions)
}

// Mapping is an interned loaded module. File is a string table index.
type Mapping struct {
	ID     uint64
	Start  uint64
	Limit  uint64
	Offset uint64
	File   int64
}

// MappingTable interns mappings by path. The first mapping seen for a path
// determines its address range.
type MappingTable struct {
	mappings []Mapping
	index    map[int64]uint64
}

func NewMappingTable() *MappingTable {
	return &MappingTable{
		index: map[int64]uint64{},
	}
}

func (t *MappingTable) Intern(file int64, base, size, offset uint64) uint64 {
	if id, ok := t.index[file]; ok {
		return id
	}

	id := uint64(len(t.mappings)) + 1
	t.mappings = append(t.mappings, Mapping{
		ID:     id,
		Start:  base,
		Limit:  base + size,
		Offset: offset,
		File:   file,
	})
	t.index[file] = id
	return id
}

func (t *MappingTable) Get(id uint64) Mapping {
	return t.mappings[id-1]
}

func (t *MappingTable) Len() int {
	return len(t.mappings)
}

// Line is one logical function within a location.
type Line struct {
	FunctionID uint64
	Line       int64
}

// Location is one stack frame. Lines are ordered innermost last; a location
// without lines is address-only. MappingID 0 means the module is unknown.
type Location struct {
	ID        uint64
	MappingID uint64
	Address   uint64
	Lines     []Line
}

// LocationTable interns locations by (mapping, line chain). Address-only
// locations are additionally keyed by their address so that distinct
// unsymbolized frames stay distinct.
type LocationTable struct {
	locations []Location
	// index maps a key hash to the ids of locations with that hash.
	index map[uint64][]uint64

	hash *xxhash.Digest
	b    [8]byte
}

func NewLocationTable() *LocationTable {
	return &LocationTable{
		index: map[uint64][]uint64{},
		hash:  xxhash.New(),
	}
}

// Intern returns the id of the location, adding it if necessary. lines is
// copied when a new location is added.
func (t *LocationTable) Intern(mappingID, address uint64, lines []Line) uint64 {
	if len(lines) > 0 {
		// Symbolized locations are identified by what they resolve to.
		address = 0
	}

	h := t.keyHash(mappingID, address, lines)
	for _, id := range t.index[h] {
		if l := &t.locations[id-1]; l.equal(mappingID, address, lines) {
			return id
		}
	}

	id := uint64(len(t.locations)) + 1
	var cp []Line
	if len(lines) > 0 {
		cp = make([]Line, len(lines))
		copy(cp, lines)
	}
	t.locations = append(t.locations, Location{
		ID:        id,
		MappingID: mappingID,
		Address:   address,
		Lines:     cp,
	})
	t.index[h] = append(t.index[h], id)
	return id
}

func (t *LocationTable) Get(id uint64) Location {
	return t.locations[id-1]
}

func (t *LocationTable) Len() int {
	return len(t.locations)
}

func (t *LocationTable) keyHash(mappingID, address uint64, lines []Line) uint64 {
	t.hash.Reset()
	t.writeUint64(mappingID)
	t.writeUint64(address)
	for _, l := range lines {
		t.writeUint64(l.FunctionID)
		t.writeUint64(uint64(l.Line))
	}
	return t.hash.Sum64()
}

func (t *LocationTable) writeUint64(v uint64) {
	binary.LittleEndian.PutUint64(t.b[:], v)
	_, _ = t.hash.Write(t.b[:])
}

func (l *Location) equal(mappingID, address uint64, lines []Line) bool {
	if l.MappingID != mappingID || l.Address != address || len(l.Lines) != len(lines) {
		return false
	}
	for i := range lines {
		if l.Lines[i] != lines[i] {
			return false
		}
	}
	return true
}
