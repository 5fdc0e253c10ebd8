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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/trace2pprof/pkg/hash"
)

// Progress is reported once per symbol map file handled by Loader.Load.
type Progress struct {
	Module string
	Path   string
	// Symbols is the number of symbols loaded for the module.
	Symbols int
	// Shared is set if an identical file was already loaded for another
	// module.
	Shared bool
	// Err is set if the file was skipped.
	Err error

	Done  int
	Total int
}

type realfs struct{}

func (f *realfs) Open(name string) (fs.File, error) {
	return os.Open(name)
}

// Loader loads symbol map files concurrently.
type Loader struct {
	logger      log.Logger
	metrics     *metrics
	fs          fs.FS
	concurrency int
}

// NewLoader returns a Loader reading at most concurrency files at a time. A
// non-positive concurrency uses GOMAXPROCS.
func NewLoader(logger log.Logger, reg prometheus.Registerer, concurrency int) *Loader {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &Loader{
		logger:      logger,
		metrics:     newMetrics(reg),
		fs:          &realfs{},
		concurrency: concurrency,
	}
}

// Load reads the symbol map of every module in files, keyed by module path
// or name, and returns once all of them are loaded. A progress event is sent
// for every file if progress is non-nil and must be drained by the caller;
// Load closes progress before it returns. Files without any symbols are
// skipped, any other error aborts the load.
func (l *Loader) Load(ctx context.Context, files map[string]string, progress chan<- Progress) (*Table, error) {
	if progress != nil {
		defer close(progress)
	}

	modules := make([]string, 0, len(files))
	for module := range files {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	var (
		maps   = xsync.NewMapOf[string, *Map]()
		byHash = xsync.NewMapOf[uint64, *Map]()
		done   atomic.Int64
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, module := range modules {
		path := files[module]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			m, shared, err := l.load(byHash, path)
			p := Progress{
				Module: module,
				Path:   path,
				Shared: shared,
				Total:  len(modules),
			}
			switch {
			case errors.Is(err, ErrEmptyMap):
				l.metrics.mapsSkipped.Inc()
				level.Warn(l.logger).Log("msg", "skipping empty symbol map", "module", module, "path", path)
				p.Err = err
			case err != nil:
				return fmt.Errorf("load symbol map for %s: %w", module, err)
			default:
				maps.Store(moduleKey(module), m)
				p.Symbols = m.Len()
			}

			p.Done = int(done.Add(1))
			if progress != nil {
				select {
				case progress <- p:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t := &Table{
		maps:    make(map[string]*Map, maps.Size()),
		metrics: l.metrics,
	}
	maps.Range(func(key string, m *Map) bool {
		t.maps[key] = m
		return true
	})

	level.Debug(l.logger).Log("msg", "symbol maps loaded", "modules", len(t.maps), "files", len(files))
	return t, nil
}

// load reads path unless a file with identical content was already read.
func (l *Loader) load(byHash *xsync.MapOf[uint64, *Map], path string) (*Map, bool, error) {
	h, err := hash.File(l.fs, path)
	if err != nil {
		return nil, false, err
	}

	var (
		readErr error
		shared  bool
	)
	m, _ := byHash.Compute(h, func(old *Map, loaded bool) (*Map, bool) {
		if loaded {
			shared = true
			return old, false
		}

		m, err := ReadMap(l.logger, l.fs, path)
		if err != nil {
			readErr = err
			return nil, true
		}
		return m, false
	})
	if readErr != nil {
		return nil, false, readErr
	}

	if shared {
		l.metrics.mapsShared.Inc()
	} else {
		l.metrics.mapsLoaded.Inc()
		l.metrics.symbolsLoaded.Add(float64(m.Len()))
	}
	return m, shared, nil
}

// moduleKey identifies a module by its lower-cased file name, accepting both
// slash and backslash separated paths.
func moduleKey(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		path = path[i+1:]
	}
	return strings.ToLower(path)
}
