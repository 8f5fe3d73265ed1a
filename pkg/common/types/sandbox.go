/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import (
	"fmt"
	"strings"
)

// Variant selects which flavour of the executor sandbox is created.
type Variant string

const (
	VariantStandard Variant = "standard"
	VariantGPU      Variant = "gpu"
)

// ParseVariant accepts the variant names used by peers and the admin API.
// An empty string maps to the standard variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "cpu":
		return VariantStandard, nil
	case "gpu":
		return VariantGPU, nil
	default:
		return "", fmt.Errorf("invalid sandbox variant %q", s)
	}
}

// Presence reports whether the sandbox instance exists in the runtime.
type Presence string

const (
	PresenceAbsent  Presence = "absent"
	PresencePresent Presence = "present"
)

// RunState reports whether a present sandbox is running.
type RunState string

const (
	RunStateStopped RunState = "stopped"
	RunStateRunning RunState = "running"
)

// SandboxState is a point-in-time view of a named sandbox.
type SandboxState struct {
	Name     string   `json:"name"`
	Presence Presence `json:"presence"`
	RunState RunState `json:"runState"`
	// Variant is only meaningful when Presence is present.
	Variant Variant `json:"variant,omitempty"`
}

// Ready reports whether the sandbox can take jobs that need the given variant.
func (s SandboxState) Ready(required Variant) bool {
	return s.Presence == PresencePresent && s.RunState == RunStateRunning && s.Variant == required
}

// AbsentState returns the state of a sandbox that does not exist.
func AbsentState(name string) SandboxState {
	return SandboxState{Name: name, Presence: PresenceAbsent, RunState: RunStateStopped}
}

// ExecutorSettings holds the resources handed to the executor sandbox when it is created.
type ExecutorSettings struct {
	CPUCores int `json:"cpu_cores"`
	MemoryMB int `json:"memory_mb"`
	GPUs     int `json:"gpus"`
}

// DefaultExecutorSettings mirrors the "low" preset offered to hosts.
func DefaultExecutorSettings() ExecutorSettings {
	return ExecutorSettings{
		CPUCores: 1,
		MemoryMB: 2048,
		GPUs:     0,
	}
}

func (s *ExecutorSettings) Validate() error {
	if s.CPUCores <= 0 {
		return fmt.Errorf("cpu_cores must be positive")
	}
	if s.MemoryMB < 128 {
		return fmt.Errorf("memory_mb must be at least 128")
	}
	if s.GPUs < 0 {
		return fmt.Errorf("gpus must not be negative")
	}
	return nil
}
