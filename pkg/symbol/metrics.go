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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	lookupResultResolved = "resolved"
	lookupResultMissing  = "missing"
)

type metrics struct {
	mapsLoaded    prometheus.Counter
	mapsShared    prometheus.Counter
	mapsSkipped   prometheus.Counter
	symbolsLoaded prometheus.Counter
	lookups       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		mapsLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trace2pprof_symbol_maps_loaded_total",
			Help: "Total number of symbol map files parsed.",
		}),
		mapsShared: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trace2pprof_symbol_maps_shared_total",
			Help: "Total number of symbol map files whose content was already loaded for another module.",
		}),
		mapsSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trace2pprof_symbol_maps_skipped_total",
			Help: "Total number of symbol map files skipped because they held no symbols.",
		}),
		symbolsLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trace2pprof_symbols_loaded_total",
			Help: "Total number of symbols loaded after de-duplication.",
		}),
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trace2pprof_symbol_lookups_total",
			Help: "Total number of symbol look-ups for unsymbolized frames.",
		}, []string{"result"}),
	}
	m.lookups.WithLabelValues(lookupResultResolved)
	m.lookups.WithLabelValues(lookupResultMissing)
	return m
}
