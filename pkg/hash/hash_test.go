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

package hash

import (
	"bytes"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/trace2pprof/pkg/testutil"
)

func TestFile(t *testing.T) {
	fsys := testutil.NewFakeFS(map[string][]byte{
		"a.map":     []byte("1000 10 foo\n"),
		"copy.map":  []byte("1000 10 foo\n"),
		"other.map": []byte("1000 10 bar\n"),
	})

	a, err := File(fsys, "a.map")
	require.NoError(t, err)
	b, err := File(fsys, "copy.map")
	require.NoError(t, err)
	c, err := File(fsys, "other.map")
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)

	r, err := Reader(bytes.NewReader([]byte("1000 10 bar\n")))
	require.NoError(t, err)
	require.Equal(t, c, r)

	_, err = File(fsys, "missing.map")
	require.ErrorIs(t, err, fs.ErrNotExist)
}
