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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/trace2pprof/pkg/filter"
)

const (
	labelSampleDropReasonTimeRange   = string(filter.ReasonTimeRange)
	labelSampleDropReasonProcessName = string(filter.ReasonProcessName)
	labelSampleDropReasonPID         = string(filter.ReasonPID)
	labelSampleDropReasonRelabel     = "relabel"
)

type writerMetrics struct {
	samplesIngested    prometheus.Counter
	samplesMerged      prometheus.Counter
	sampleDrop         *prometheus.CounterVec
	framesUnsymbolized prometheus.Counter
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	m := &writerMetrics{
		samplesIngested: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "trace2pprof_samples_ingested_total",
				Help: "Total number of raw samples handed to the profile writer.",
			},
		),
		samplesMerged: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "trace2pprof_samples_merged_total",
				Help: "Total number of retained samples folded into an existing aggregated sample.",
			},
		),
		sampleDrop: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "trace2pprof_sample_drop_total",
				Help: "Total number of samples excluded from the profile.",
			},
			[]string{"reason"},
		),
		framesUnsymbolized: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "trace2pprof_frames_unsymbolized_total",
				Help: "Total number of retained frames recorded without a function.",
			},
		),
	}

	m.sampleDrop.WithLabelValues(labelSampleDropReasonTimeRange)
	m.sampleDrop.WithLabelValues(labelSampleDropReasonProcessName)
	m.sampleDrop.WithLabelValues(labelSampleDropReasonPID)
	m.sampleDrop.WithLabelValues(labelSampleDropReasonRelabel)

	return m
}
