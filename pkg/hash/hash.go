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

// Package hash computes content hashes of input files so that identical
// files are only processed once.
package hash

import (
	"hash"
	"io"
	"io/fs"

	"github.com/minio/highwayhash"
)

// Hashes only need to be stable within a single process.
var key = make([]byte, highwayhash.Size)

func New() (hash.Hash64, error) {
	return highwayhash.New64(key)
}

// File hashes the contents of path in fsys.
func File(fsys fs.FS, path string) (uint64, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return Reader(f)
}

func Reader(r io.Reader) (uint64, error) {
	h, err := New()
	if err != nil {
		return 0, err
	}

	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
