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
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/common/types"
	"github.com/mecanywhere/offloadd/pkg/metrics"
)

const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Options configures a Controller.
type Options struct {
	// Images maps each variant to the image it is created from.
	Images        map[types.Variant]string
	ContainerPort int
	HostPort      int
	ReadyTimeout  time.Duration
	PollInterval  time.Duration
	Settings      types.ExecutorSettings
}

// Controller drives named sandboxes between Absent, Present/Stopped and
// Present/Running. Operations on one name are serialized; different names
// proceed independently.
type Controller struct {
	runtime Runtime
	opts    Options

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	settings types.ExecutorSettings
}

func NewController(rt Runtime, opts Options) *Controller {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	settings := opts.Settings
	if settings.Validate() != nil {
		settings = types.DefaultExecutorSettings()
	}
	return &Controller{
		runtime:  rt,
		opts:     opts,
		locks:    make(map[string]*sync.Mutex),
		settings: settings,
	}
}

// SetSettings changes the resources applied to sandboxes created from now on.
func (c *Controller) SetSettings(s types.ExecutorSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

func (c *Controller) Settings() types.ExecutorSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Controller) lock(name string) func() {
	c.mu.Lock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (c *Controller) ping(ctx context.Context) error {
	if err := c.runtime.Ping(ctx); err != nil {
		klog.Errorf("Container daemon is not reachable: %v", err)
		return api.NewDaemonUnavailableError(err)
	}
	return nil
}

func record(op string, err error) {
	metrics.SandboxOperations.WithLabelValues(op, metrics.Result(err)).Inc()
}

// EnsureExists makes sure the named sandbox exists in the given variant. An
// instance of another variant is removed first and then recreated; this is
// the only path that destroys a running sandbox. A new instance is left stopped.
func (c *Controller) EnsureExists(ctx context.Context, name string, variant types.Variant) (err error) {
	defer func() { record("ensure_exists", err) }()

	unlock := c.lock(name)
	defer unlock()

	if err := c.ping(ctx); err != nil {
		return err
	}

	image, ok := c.opts.Images[variant]
	if !ok || image == "" {
		return api.NewInvalidArgumentError(fmt.Sprintf("no image configured for variant %s", variant))
	}

	exists, err := c.runtime.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check sandbox %s: %w", name, err)
	}
	if exists {
		gpu, err := c.runtime.SupportsGPU(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check gpu support of sandbox %s: %w", name, err)
		}
		current := variantOf(gpu)
		if current == variant {
			return nil
		}
		klog.Infof("Sandbox %s is %s, replacing it with %s", name, current, variant)
		if err := c.runtime.Remove(ctx, name); err != nil {
			return fmt.Errorf("failed to remove sandbox %s for variant switch: %w", name, err)
		}
		metrics.VariantSwitches.WithLabelValues(string(current), string(variant)).Inc()
	}

	opts := CreateOptions{
		Name:          name,
		Image:         image,
		Variant:       variant,
		Settings:      c.Settings(),
		ContainerPort: c.opts.ContainerPort,
		HostPort:      c.opts.HostPort,
		Labels:        map[string]string{ManagedByLabel: ManagedByValue},
	}
	if err := c.runtime.Create(ctx, opts); err != nil {
		// Leave nothing half-created behind.
		if rmErr := c.runtime.Remove(ctx, name); rmErr != nil {
			klog.Warningf("Failed to clean up sandbox %s after create error: %v", name, rmErr)
		}
		return fmt.Errorf("failed to create sandbox %s (%s): %w", name, variant, err)
	}
	klog.Infof("Created sandbox %s (%s)", name, variant)
	return nil
}

// Start runs an existing sandbox and waits until the runtime reports it running.
func (c *Controller) Start(ctx context.Context, name string) (err error) {
	defer func() { record("start", err) }()

	unlock := c.lock(name)
	defer unlock()

	if err := c.ping(ctx); err != nil {
		return err
	}

	exists, err := c.runtime.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check sandbox %s: %w", name, err)
	}
	if !exists {
		return api.NewNotPresentError(name)
	}
	running, err := c.runtime.IsRunning(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check sandbox %s: %w", name, err)
	}
	if running {
		return nil
	}

	if err := c.runtime.Start(ctx, name); err != nil {
		return fmt.Errorf("failed to start sandbox %s: %w", name, err)
	}
	if err := c.waitRunning(ctx, name); err != nil {
		return err
	}
	klog.Infof("Sandbox %s is running", name)
	return nil
}

func (c *Controller) waitRunning(ctx context.Context, name string) error {
	err := wait.PollUntilContextTimeout(ctx, c.opts.PollInterval, c.opts.ReadyTimeout, true,
		func(ctx context.Context) (bool, error) {
			return c.runtime.IsRunning(ctx, name)
		})
	if err != nil {
		return fmt.Errorf("sandbox %s did not reach running state: %w", name, err)
	}
	return nil
}

// Stop is a no-op for absent or already stopped sandboxes.
func (c *Controller) Stop(ctx context.Context, name string) (err error) {
	defer func() { record("stop", err) }()

	unlock := c.lock(name)
	defer unlock()

	if err := c.ping(ctx); err != nil {
		return err
	}

	running, err := c.runtime.IsRunning(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check sandbox %s: %w", name, err)
	}
	if !running {
		return nil
	}
	if err := c.runtime.Stop(ctx, name); err != nil {
		return fmt.Errorf("failed to stop sandbox %s: %w", name, err)
	}
	klog.Infof("Stopped sandbox %s", name)
	return nil
}

// SupportsGPU reports whether the current instance is the GPU variant.
// An absent sandbox reports false.
func (c *Controller) SupportsGPU(ctx context.Context, name string) (bool, error) {
	unlock := c.lock(name)
	defer unlock()

	if err := c.ping(ctx); err != nil {
		return false, err
	}
	gpu, err := c.runtime.SupportsGPU(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check gpu support of sandbox %s: %w", name, err)
	}
	return gpu, nil
}

// Remove tears the sandbox down to Absent. Removing an absent sandbox succeeds.
func (c *Controller) Remove(ctx context.Context, name string) (err error) {
	defer func() { record("remove", err) }()

	unlock := c.lock(name)
	defer unlock()

	if err := c.ping(ctx); err != nil {
		return err
	}
	if err := c.runtime.Remove(ctx, name); err != nil {
		return fmt.Errorf("failed to remove sandbox %s: %w", name, err)
	}
	klog.V(2).Infof("Removed sandbox %s", name)
	return nil
}

// State returns a snapshot of the named sandbox.
func (c *Controller) State(ctx context.Context, name string) (types.SandboxState, error) {
	unlock := c.lock(name)
	defer unlock()

	if err := c.ping(ctx); err != nil {
		return types.SandboxState{}, err
	}
	return c.stateLocked(ctx, name)
}

func (c *Controller) stateLocked(ctx context.Context, name string) (types.SandboxState, error) {
	exists, err := c.runtime.Exists(ctx, name)
	if err != nil {
		return types.SandboxState{}, fmt.Errorf("failed to check sandbox %s: %w", name, err)
	}
	if !exists {
		return types.AbsentState(name), nil
	}
	gpu, err := c.runtime.SupportsGPU(ctx, name)
	if err != nil {
		return types.SandboxState{}, fmt.Errorf("failed to check gpu support of sandbox %s: %w", name, err)
	}
	running, err := c.runtime.IsRunning(ctx, name)
	if err != nil {
		return types.SandboxState{}, fmt.Errorf("failed to check sandbox %s: %w", name, err)
	}
	state := types.SandboxState{
		Name:     name,
		Presence: types.PresencePresent,
		RunState: types.RunStateStopped,
		Variant:  variantOf(gpu),
	}
	if running {
		state.RunState = types.RunStateRunning
	}
	return state, nil
}

// Ping reports whether the container daemon is reachable.
func (c *Controller) Ping(ctx context.Context) error {
	return c.ping(ctx)
}
