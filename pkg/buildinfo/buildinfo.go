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

package buildinfo

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Info describes the binary as recorded by the Go toolchain.
type Info struct {
	GoVersion, GoArch, GoOs, VcsRevision, VcsTime string
	VcsModified                                   bool
}

func FetchBuildInfo() (*Info, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}
	return fromBuildInfo(bi), nil
}

func fromBuildInfo(bi *debug.BuildInfo) *Info {
	info := Info{GoVersion: bi.GoVersion}

	for _, setting := range bi.Settings {
		key := setting.Key
		value := setting.Value

		switch key {
		case "GOARCH":
			info.GoArch = value
		case "GOOS":
			info.GoOs = value
		case "vcs.revision":
			info.VcsRevision = value
		case "vcs.time":
			info.VcsTime = value
		case "vcs.modified":
			info.VcsModified = value == "true"
		}
	}

	return &info
}

// Version formats version together with the revision the binary was built
// from. Empty values fall back to what the toolchain recorded.
func (i *Info) Version(version, commit string) string {
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = i.VcsRevision
	}
	if commit == "" {
		commit = "unknown"
	}
	if i.VcsModified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (commit: %s, %s, %s/%s)", version, commit, i.GoVersion, i.GoOs, i.GoArch)
}
