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

package sandbox

import (
	"context"

	"github.com/mecanywhere/offloadd/pkg/common/types"
)

// VariantLabel is the container label recording which variant an instance was created as.
const VariantLabel = "offloadd.variant"

// Label marking containers created by the daemon.
const (
	ManagedByLabel = "offloadd.managed-by"
	ManagedByValue = "offloadd"
)

// CreateOptions describes a sandbox instance to create. The instance is left stopped.
type CreateOptions struct {
	Name     string
	Image    string
	Variant  types.Variant
	Settings types.ExecutorSettings
	// ContainerPort is published on HostPort when both are non-zero.
	ContainerPort int
	HostPort      int
	// Labels are added to the container next to VariantLabel.
	Labels map[string]string
}

// Runtime is the container control surface used by the Controller.
// Implementations must treat a missing instance as a normal outcome for
// Exists, IsRunning, Stop and Remove.
type Runtime interface {
	// Ping reports whether the daemon is reachable.
	Ping(ctx context.Context) error
	Exists(ctx context.Context, name string) (bool, error)
	// SupportsGPU reports whether the instance was created as the GPU variant.
	SupportsGPU(ctx context.Context, name string) (bool, error)
	IsRunning(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, opts CreateOptions) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

func variantOf(gpu bool) types.Variant {
	if gpu {
		return types.VariantGPU
	}
	return types.VariantStandard
}
