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
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/model/relabel"

	"github.com/parca-dev/trace2pprof/pkg/chrome"
	"github.com/parca-dev/trace2pprof/pkg/trace"
)

const (
	LabelProcessName = "process_name"
	LabelPID         = "pid"
	LabelTID         = "tid"
	LabelRole        = "role"

	// Meta labels are only visible to relabel configs.
	metaLabelProcessName = model.MetaLabelPrefix + "process_name"
	metaLabelCommandLine = model.MetaLabelPrefix + "process_command_line"
	metaLabelPID         = model.MetaLabelPrefix + "process_id"
	metaLabelTID         = model.MetaLabelPrefix + "thread_id"
)

type labelCacheKey struct {
	pid         uint32
	name        string
	commandLine string
	tid         uint32
	hasTID      bool
}

type labelRetrievalResult struct {
	labels Labels
	keep   bool
}

// labelsForSample returns the interned label set of a sample. Label sets only
// depend on the process and thread, so they are computed once per thread.
func (w *Writer) labelsForSample(s *trace.Sample) labelRetrievalResult {
	key := labelCacheKey{
		pid:  s.PID(),
		name: s.ProcessName(),
	}
	if s.Process != nil {
		key.commandLine = s.Process.CommandLine
	}
	if s.TID != nil && (w.opts.IncludeProcessAndThreadIDs || len(w.opts.RelabelConfigs) > 0) {
		key.tid = *s.TID
		key.hasTID = true
	}

	if res, ok := w.labelCache[key]; ok {
		return res
	}

	lbls, keep := w.sampleLabels(key)
	res := labelRetrievalResult{keep: keep}
	if keep {
		res.labels = make(Labels, 0, len(lbls))
		for _, l := range lbls {
			res.labels = append(res.labels, Label{
				Key:   w.strings.Intern(l.Name),
				Value: w.strings.Intern(l.Value),
			})
		}
		sort.Sort(res.labels)
	}

	w.labelCache[key] = res
	return res
}

func (w *Writer) sampleLabels(key labelCacheKey) ([]labels.Label, bool) {
	name := key.name
	role := ""
	if w.opts.SplitChromeProcesses && chrome.IsBrowser(name, w.opts.ChromeExecutable) {
		role = chrome.Role(key.commandLine)
		name = chrome.ProcessName(name, role)
	}

	lbls := []labels.Label{}
	if !w.opts.SuppressProcessName {
		lbls = append(lbls, labels.Label{Name: LabelProcessName, Value: name})
	}
	if role != "" {
		lbls = append(lbls, labels.Label{Name: LabelRole, Value: role})
	}
	if w.opts.IncludeProcessIDs || w.opts.IncludeProcessAndThreadIDs {
		lbls = append(lbls, labels.Label{Name: LabelPID, Value: strconv.FormatUint(uint64(key.pid), 10)})
	}
	if w.opts.IncludeProcessAndThreadIDs && key.hasTID {
		lbls = append(lbls, labels.Label{Name: LabelTID, Value: strconv.FormatUint(uint64(key.tid), 10)})
	}

	if len(w.opts.RelabelConfigs) == 0 {
		return lbls, true
	}

	m := make(map[string]string, len(lbls)+4)
	for _, l := range lbls {
		m[l.Name] = l.Value
	}
	m[metaLabelProcessName] = key.name
	m[metaLabelCommandLine] = key.commandLine
	m[metaLabelPID] = strconv.FormatUint(uint64(key.pid), 10)
	if key.hasTID {
		m[metaLabelTID] = strconv.FormatUint(uint64(key.tid), 10)
	}

	relabeled, keep := relabel.Process(labels.FromMap(m), w.opts.RelabelConfigs...)
	if !keep {
		return nil, false
	}

	// Labels starting with "__" are internal and never make it into the
	// profile.
	res := []labels.Label{}
	relabeled.Range(func(l labels.Label) {
		if strings.HasPrefix(l.Name, model.ReservedLabelPrefix) {
			return
		}
		res = append(res, l)
	})
	return res, true
}
