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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/relabel"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    *Config
		wantErr bool
	}{
		{
			name:    "empty",
			input:   ``,
			want:    nil,
			wantErr: true,
		},
		{
			name:  "comment only",
			input: `# comment`,
			want:  &Config{},
		},
		{
			name:  "empty relabel configs",
			input: `relabel_configs: []`,
			want: &Config{
				RelabelConfigs: []*relabel.Config{},
			},
		},
		{
			name: "drop",
			input: `relabel_configs:
- source_labels: [process_name]
  regex: dwm\.exe
  action: drop
`,
			want: &Config{
				RelabelConfigs: []*relabel.Config{
					{
						SourceLabels: model.LabelNames{"process_name"},
						Separator:    ";",
						Regex:        relabel.MustNewRegexp(`dwm\.exe`),
						Replacement:  "$1",
						Action:       relabel.Drop,
					},
				},
			},
		},
		{
			name: "replace from meta label",
			input: `relabel_configs:
- source_labels: [__meta_process_command_line]
  regex: .*--renderer-client-id=(\d+).*
  target_label: renderer_client_id
`,
			want: &Config{
				RelabelConfigs: []*relabel.Config{
					{
						SourceLabels: model.LabelNames{"__meta_process_command_line"},
						Separator:    ";",
						Regex:        relabel.MustNewRegexp(`.*--renderer-client-id=(\d+).*`),
						TargetLabel:  "renderer_client_id",
						Replacement:  "$1",
						Action:       relabel.Replace,
					},
				},
			},
		},
		{
			name: "symbol maps and comments",
			input: `symbol_maps:
  chrome.dll: C:\symbols\chrome.dll.map
  ntdll.dll: /tmp/ntdll.map
comments:
- captured on build bot
`,
			want: &Config{
				SymbolMaps: map[string]string{
					"chrome.dll": `C:\symbols\chrome.dll.map`,
					"ntdll.dll":  "/tmp/ntdll.map",
				},
				Comments: []string{"captured on build bot"},
			},
		},
		{
			name: "empty symbol map path",
			input: `symbol_maps:
  chrome.dll: ""
`,
			wantErr: true,
		},
		{
			name: "invalid label name",
			input: `relabel_configs:
- action: keep
  regex: chrome.exe
  source_labels:
  - process.name
`,
			wantErr: true,
		},
		{
			name:    "unknown action",
			input:   "relabel_configs:\n- action: explode\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Load([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "trace2pprof.yaml")
	require.NoError(t, os.WriteFile(path, []byte("comments: [a]\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, cfg.Comments)
	require.Contains(t, cfg.String(), "comments")

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = LoadFile(empty)
	require.ErrorIs(t, err, ErrEmptyConfig)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
