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

package filter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    map[uint32]struct{}
		wantErr bool
	}{
		{name: "wildcard", input: "*", want: nil},
		{name: "empty", input: "", want: nil},
		{name: "wildcard in list", input: "1,*", want: nil},
		{name: "list", input: "12, 34,,56", want: map[uint32]struct{}{12: {}, 34: {}, 56: {}}},
		{name: "malformed", input: "12,abc", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
		{name: "overflow", input: "4294967296", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePIDs(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseNames(t *testing.T) {
	t.Parallel()

	got, err := ParseNames("chrome.exe,dwm.exe,audiodg.exe")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Contains(t, got, "dwm.exe")

	got, err = ParseNames(" * ")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPolicy(t *testing.T) {
	t.Parallel()

	p, err := New(Config{
		ProcessNames: "chrome.exe,dwm.exe,audiodg.exe",
		PIDs:         "*",
		TimeStart:    10,
		TimeEnd:      30,
	})
	require.NoError(t, err)

	require.True(t, p.ShouldInclude(1, "chrome.exe", 10))
	require.True(t, p.ShouldInclude(1, "dwm.exe", 30))
	require.Equal(t, ReasonTimeRange, p.Check(1, "chrome.exe", 9.999))
	require.Equal(t, ReasonTimeRange, p.Check(1, "chrome.exe", 30.001))
	require.Equal(t, ReasonTimeRange, p.Check(1, "chrome.exe", math.NaN()))
	// Names are matched exactly and case-sensitively.
	require.Equal(t, ReasonProcessName, p.Check(1, "Chrome.exe", 20))
	require.Equal(t, ReasonProcessName, p.Check(1, "chrome", 20))
}

func TestPolicyPIDs(t *testing.T) {
	t.Parallel()

	p, err := New(Config{
		ProcessNames: "*",
		PIDs:         "100,200",
		TimeStart:    0,
		TimeEnd:      math.Inf(1),
	})
	require.NoError(t, err)

	require.True(t, p.ShouldInclude(100, "anything.exe", 1e9))
	require.Equal(t, ReasonPID, p.Check(300, "anything.exe", 1))

	// Both lists are AND-ed.
	p, err = New(Config{
		ProcessNames: "dwm.exe",
		PIDs:         "100",
		TimeEnd:      math.Inf(1),
	})
	require.NoError(t, err)
	require.True(t, p.ShouldInclude(100, "dwm.exe", 0))
	require.False(t, p.ShouldInclude(100, "chrome.exe", 0))
	require.False(t, p.ShouldInclude(200, "dwm.exe", 0))
}

func TestDefaultConfigKeepsEverything(t *testing.T) {
	t.Parallel()

	p, err := New(DefaultConfig())
	require.NoError(t, err)
	require.True(t, p.ShouldInclude(0, "", 0))
	require.True(t, p.ShouldInclude(42, "x.exe", math.MaxFloat64))

	start, end := p.TimeRange()
	require.Equal(t, 0.0, start)
	require.True(t, math.IsInf(end, 1))
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{TimeStart: 30, TimeEnd: 10})
	require.ErrorIs(t, err, ErrInvalidTimeRange)

	_, err = New(Config{PIDs: "1,x", TimeEnd: 1})
	require.Error(t, err)
}
