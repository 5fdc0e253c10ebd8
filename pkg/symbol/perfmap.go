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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	ErrEmptyMap = errors.New("symbol map is empty")

	errInvalidLine    = errors.New("invalid line")
	errEmptyHex       = errors.New("empty number")
	errHexTooLong     = errors.New("input too long")
	errInvalidHexChar = errors.New("invalid character")
)

// ReadMap reads a symbol map in perf-map format. Each line holds
// "START SIZE name" with START and SIZE in hexadecimal and START relative to
// the module's base address. Malformed lines are skipped.
func ReadMap(logger log.Logger, fsys fs.FS, path string) (*Map, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Estimate the number of lines to preallocate.
	const (
		avgLineLen = 60
		avgFuncLen = 42
	)
	linesCount := 0
	if stat, err := f.Stat(); err == nil && stat != nil {
		linesCount = int(stat.Size() / avgLineLen)
	}

	var (
		addrs = make([]MapAddr, 0, linesCount)
		st    = NewStringTable(linesCount*avgFuncLen, linesCount)
	)

	r := bufio.NewReaderSize(f, 64*1024)
	i := 0
	var multiError error
	for {
		b, err := r.ReadSlice('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read symbol map line: %w", err)
		}
		if len(b) > 0 {
			i++
			addr, perr := parseMapLine(b, st)
			if perr != nil {
				multiError = errors.Join(multiError, fmt.Errorf("parse symbol map line %d: %w", i, perr))
			} else {
				addr.seq = uint32(i)
				addrs = append(addrs, addr)
			}
		}
		if err != nil {
			break
		}
	}

	if multiError != nil {
		level.Debug(logger).Log("msg", "some symbol map lines failed to be parsed", "path", path, "err", multiError)
	}

	if len(addrs) == 0 {
		return nil, ErrEmptyMap
	}

	// Sorted by end address so that a look-up finds the first symbol ending
	// after the address.
	sort.SliceStable(addrs, func(i, j int) bool {
		return addrs[i].End < addrs[j].End
	})

	m := (&Map{
		Path:        path,
		addrs:       addrs,
		stringTable: st,
	}).Deduplicate()

	level.Debug(logger).Log(
		"msg", "symbol map parsed",
		"path", path,
		"lines", i,
		"symbols", m.Len(),
		"names", humanize.Bytes(uint64(st.DataLength())),
	)
	return m, nil
}

func parseMapLine(b []byte, st *StringTable) (MapAddr, error) {
	b = bytes.TrimRight(b, "\r\n")

	firstSpace := bytes.IndexByte(b, ' ')
	if firstSpace <= 0 {
		return MapAddr{}, errInvalidLine
	}

	secondSpace := bytes.IndexByte(b[firstSpace+1:], ' ')
	if secondSpace <= 0 {
		return MapAddr{}, errInvalidLine
	}

	addrBytes := b[:firstSpace]
	sizeBytes := b[firstSpace+1 : firstSpace+1+secondSpace]
	symbolBytes := bytes.TrimSpace(b[firstSpace+secondSpace+2:])
	if len(symbolBytes) == 0 {
		return MapAddr{}, errInvalidLine
	}

	start, err := parseHex(trimHexPrefix(addrBytes))
	if err != nil {
		return MapAddr{}, fmt.Errorf("parsing start: %w", err)
	}
	size, err := parseHex(trimHexPrefix(sizeBytes))
	if err != nil {
		return MapAddr{}, fmt.Errorf("parsing size: %w", err)
	}
	if start+size < start {
		return MapAddr{}, errors.New("overflowed mapping")
	}

	return MapAddr{
		Start:  start,
		End:    start + size,
		Symbol: st.GetOrAdd(symbolBytes),
	}, nil
}

// Some tools prefix addresses with "0x".
func trimHexPrefix(b []byte) []byte {
	if len(b) >= 2 && b[0] == '0' && (b[1] == 'x' || b[1] == 'X') {
		return b[2:]
	}
	return b
}
