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

// Package chrome derives the role of a Chrome process (browser, renderer, gpu,
// utility, ...) from its command line.
package chrome

import (
	"strings"
)

// DefaultExecutable is the browser executable whose processes get split by role.
const DefaultExecutable = "chrome.exe"

const (
	RoleBrowser   = "browser"
	RoleRenderer  = "renderer"
	RoleExtension = "extension"
	RoleGPU       = "gpu"
	RoleUtility   = "utility"
	RoleCrashpad  = "crashpad"
)

const (
	typeSwitch           = "--type="
	utilitySubTypeSwitch = "--utility-sub-type="
	extensionProcessFlag = "--extension-process"
	gpuProcessType       = "gpu-process"
	crashpadHandlerType  = "crashpad-handler"
	rendererProcessType  = "renderer"
	utilityProcessType   = "utility"
	serviceSuffix        = "service"
)

// Role returns the role of a Chrome process given its command line. The
// result depends only on the command line.
func Role(commandLine string) string {
	typ, ok := switchValue(commandLine, typeSwitch)
	if !ok || typ == "" {
		// The browser process is the only one started without --type.
		return RoleBrowser
	}

	switch typ {
	case rendererProcessType:
		if hasFlag(commandLine, extensionProcessFlag) {
			return RoleExtension
		}
		return RoleRenderer
	case gpuProcessType:
		return RoleGPU
	case crashpadHandlerType:
		return RoleCrashpad
	case utilityProcessType:
		sub, ok := switchValue(commandLine, utilitySubTypeSwitch)
		if !ok || sub == "" {
			return RoleUtility
		}
		return RoleUtility + "-" + utilityService(sub)
	default:
		return strings.ToLower(typ)
	}
}

// ProcessName returns the process name label value for a process with the
// given role, e.g. "chrome.exe (renderer)".
func ProcessName(name, role string) string {
	return name + " (" + role + ")"
}

// IsBrowser reports whether a process name refers to the browser executable.
// Windows image names are case-insensitive.
func IsBrowser(processName, executable string) bool {
	return strings.EqualFold(processName, executable)
}

// utilityService shortens "network.mojom.NetworkService" to "network".
func utilityService(sub string) string {
	if i := strings.LastIndexByte(sub, '.'); i >= 0 {
		sub = sub[i+1:]
	}
	sub = strings.ToLower(sub)
	if trimmed := strings.TrimSuffix(sub, serviceSuffix); trimmed != "" {
		sub = trimmed
	}
	return sub
}

// switchValue returns the value of the first "--name=value" switch in the
// command line. Values may be quoted.
func switchValue(commandLine, prefix string) (string, bool) {
	for _, arg := range fields(commandLine) {
		if strings.HasPrefix(arg, prefix) {
			return strings.Trim(arg[len(prefix):], `"`), true
		}
	}
	return "", false
}

func hasFlag(commandLine, flag string) bool {
	for _, arg := range fields(commandLine) {
		if arg == flag {
			return true
		}
	}
	return false
}

// fields splits a Windows command line on whitespace outside double quotes.
func fields(commandLine string) []string {
	var (
		args    []string
		start   = -1
		inQuote bool
	)
	for i, r := range commandLine {
		switch {
		case r == '"':
			inQuote = !inQuote
			if start < 0 {
				start = i
			}
		case (r == ' ' || r == '\t') && !inQuote:
			if start >= 0 {
				args = append(args, commandLine[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		args = append(args, commandLine[start:])
	}
	return args
}
