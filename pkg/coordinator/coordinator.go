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

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/common/types"
	"github.com/mecanywhere/offloadd/pkg/router"
	"github.com/mecanywhere/offloadd/pkg/sessionmgr"
	"github.com/mecanywhere/offloadd/pkg/store"
)

// Keys in the secure configuration store.
const (
	KeySharingEnabled   = "sharingEnabled"
	KeyPreferredVariant = "preferredVariant"
	KeyExecutorSettings = "executorSettings"
)

var errSharingDisabled = errors.New("resource sharing is disabled")

// Surface is the internal execution surface: it accepts sessions and jobs.
type Surface interface {
	sessionmgr.Surface
	router.Surface
}

// Sandboxes is the lifecycle control the coordinator needs.
type Sandboxes interface {
	EnsureExists(ctx context.Context, name string, variant types.Variant) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	State(ctx context.Context, name string) (types.SandboxState, error)
	SetSettings(s types.ExecutorSettings)
	Settings() types.ExecutorSettings
	Ping(ctx context.Context) error
}

type Options struct {
	SandboxName string
	// RegistrationTimeout bounds each registration request; zero means no bound.
	RegistrationTimeout time.Duration
	// SharingEnabled is used when the store holds no choice yet.
	SharingEnabled    bool
	PrewarmOnRegister bool
}

// Coordinator ties the connection registry, the job router and the sandbox
// controller together. It never calls into the sandbox while holding a
// registry or router lock.
type Coordinator struct {
	opts      Options
	sandboxes Sandboxes
	store     store.Store
	registry  *sessionmgr.Registry
	router    *router.Router

	mu        sync.Mutex
	sharing   bool
	preferred types.Variant
	// orphan is the session that held the surface when the worker went away.
	orphan string
}

// Status summarizes the daemon for the admin API.
type Status struct {
	RegisteredSession string              `json:"registeredSession,omitempty"`
	Sessions          int                 `json:"sessions"`
	InFlight          int                 `json:"inFlight"`
	SharingEnabled    bool                `json:"sharingEnabled"`
	PreferredVariant  types.Variant       `json:"preferredVariant"`
	Sandbox           *types.SandboxState `json:"sandbox,omitempty"`
	SandboxError      string              `json:"sandboxError,omitempty"`
}

func New(surface Surface, sandboxes Sandboxes, st store.Store, opts Options) *Coordinator {
	c := &Coordinator{
		opts:      opts,
		sandboxes: sandboxes,
		store:     st,
		sharing:   opts.SharingEnabled,
		preferred: types.VariantStandard,
	}
	c.registry = sessionmgr.New(surface, sessionmgr.Hooks{
		OnDeregistered: func(sessionID string) {
			klog.V(2).Infof("Session %s released the execution surface", sessionID)
		},
	})
	c.router = router.New(c.registry, c, surface)
	return c
}

// Load restores persisted sharing, variant and executor settings. Keys that
// were never written keep their defaults.
func (c *Coordinator) Load(ctx context.Context) error {
	if v, err := c.store.Get(ctx, KeySharingEnabled); err == nil {
		enabled, perr := strconv.ParseBool(v)
		if perr != nil {
			return fmt.Errorf("invalid stored %s %q: %w", KeySharingEnabled, v, perr)
		}
		c.mu.Lock()
		c.sharing = enabled
		c.mu.Unlock()
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load %s: %w", KeySharingEnabled, err)
	}

	if v, err := c.store.Get(ctx, KeyPreferredVariant); err == nil {
		variant, perr := types.ParseVariant(v)
		if perr != nil {
			return fmt.Errorf("invalid stored %s: %w", KeyPreferredVariant, perr)
		}
		c.mu.Lock()
		c.preferred = variant
		c.mu.Unlock()
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load %s: %w", KeyPreferredVariant, err)
	}

	if v, err := c.store.Get(ctx, KeyExecutorSettings); err == nil {
		var s types.ExecutorSettings
		if perr := json.Unmarshal([]byte(v), &s); perr != nil {
			return fmt.Errorf("invalid stored %s: %w", KeyExecutorSettings, perr)
		}
		if verr := s.Validate(); verr != nil {
			return fmt.Errorf("invalid stored %s: %w", KeyExecutorSettings, verr)
		}
		c.sandboxes.SetSettings(s)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load %s: %w", KeyExecutorSettings, err)
	}

	klog.Infof("Loaded coordinator state: sharing=%t variant=%s", c.SharingEnabled(), c.PreferredVariant())
	return nil
}

// --------- Sessions ---------

// Connect records a newly connected peer session.
func (c *Coordinator) Connect(sessionID string, sink sessionmgr.Sink) types.Session {
	return c.registry.OnConnect(sessionID, sink)
}

// Register claims the execution surface for the session. With prewarming
// enabled the sandbox is readied once the registration is in place; a
// prewarm failure is logged and does not undo the registration.
func (c *Coordinator) Register(ctx context.Context, sessionID string) error {
	regCtx := ctx
	if c.opts.RegistrationTimeout > 0 {
		var cancel context.CancelFunc
		regCtx, cancel = context.WithTimeout(ctx, c.opts.RegistrationTimeout)
		defer cancel()
	}
	if err := c.registry.Register(regCtx, sessionID); err != nil {
		return err
	}

	if c.opts.PrewarmOnRegister && c.SharingEnabled() {
		if err := c.ready(ctx, c.PreferredVariant()); err != nil {
			klog.Warningf("Failed to prewarm sandbox %s for session %s: %v", c.opts.SandboxName, sessionID, err)
		}
	}
	return nil
}

// Disconnect destroys the session and abandons its in-flight jobs.
func (c *Coordinator) Disconnect(ctx context.Context, sessionID string) {
	c.registry.OnDisconnect(ctx, sessionID)
	if n := c.router.Abandon(sessionID); n > 0 {
		klog.Infof("Abandoned %d in-flight jobs of session %s", n, sessionID)
	}
}

// WorkerDetached releases the registration held on a worker that went away.
// Jobs in flight on it are abandoned so late results count as lost.
func (c *Coordinator) WorkerDetached() {
	holder, ok := c.registry.SurfaceLost()
	if !ok {
		return
	}
	c.router.Abandon(holder)

	c.mu.Lock()
	c.orphan = holder
	c.mu.Unlock()
}

// WorkerAttached registers the session orphaned by the previous worker again,
// if it is still connected.
func (c *Coordinator) WorkerAttached() {
	c.mu.Lock()
	holder := c.orphan
	c.orphan = ""
	c.mu.Unlock()

	if holder == "" {
		return
	}
	if _, ok := c.registry.Session(holder); !ok {
		return
	}
	go func() {
		if err := c.Register(context.Background(), holder); err != nil {
			klog.Warningf("Failed to restore registration of session %s on the new worker: %v", holder, err)
			return
		}
		klog.Infof("Restored registration of session %s on the new worker", holder)
	}()
}

// Subscribe ties release to the session's lifetime.
func (c *Coordinator) Subscribe(sessionID string, release func()) error {
	return c.registry.Subscribe(sessionID, release)
}

func (c *Coordinator) IsRegistered(sessionID string) bool {
	return c.registry.IsRegistered(sessionID)
}

// --------- Jobs ---------

func (c *Coordinator) Submit(ctx context.Context, sessionID string, job types.Job) (types.SubmissionAck, error) {
	return c.router.Submit(ctx, sessionID, job)
}

// DeliverResult routes a result from the execution surface to its session.
func (c *Coordinator) DeliverResult(ctx context.Context, result types.Result) error {
	return c.router.DeliverResult(ctx, result)
}

// RequestAdmission makes sure the sandbox is present, running and of the
// required variant. A sandbox that is not ready is brought up once and
// checked again.
func (c *Coordinator) RequestAdmission(ctx context.Context, sessionID string, variant types.Variant) error {
	if !c.registry.IsRegistered(sessionID) {
		return api.NewNotRegisteredError(sessionID)
	}
	name := c.opts.SandboxName
	if !c.SharingEnabled() {
		return api.NewSandboxUnavailableError(name, errSharingDisabled)
	}

	state, err := c.sandboxes.State(ctx, name)
	if err != nil {
		return api.NewSandboxUnavailableError(name, err)
	}
	if state.Ready(variant) {
		return nil
	}

	klog.Infof("Sandbox %s is %s/%s (%s), bringing it up as %s", name, state.Presence, state.RunState, state.Variant, variant)
	if err := c.ready(ctx, variant); err != nil {
		return api.NewSandboxUnavailableError(name, err)
	}

	state, err = c.sandboxes.State(ctx, name)
	if err != nil {
		return api.NewSandboxUnavailableError(name, err)
	}
	if !state.Ready(variant) {
		return api.NewSandboxUnavailableError(name,
			fmt.Errorf("sandbox is %s/%s (%s) after start", state.Presence, state.RunState, state.Variant))
	}
	return nil
}

func (c *Coordinator) ready(ctx context.Context, variant types.Variant) error {
	if err := c.sandboxes.EnsureExists(ctx, c.opts.SandboxName, variant); err != nil {
		return err
	}
	return c.sandboxes.Start(ctx, c.opts.SandboxName)
}

// --------- Resource sharing ---------

func (c *Coordinator) SharingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

func (c *Coordinator) PreferredVariant() types.Variant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

// EnableSharing persists the choice and brings the sandbox up in the
// preferred variant.
func (c *Coordinator) EnableSharing(ctx context.Context) error {
	if err := c.store.Set(ctx, KeySharingEnabled, strconv.FormatBool(true)); err != nil {
		return fmt.Errorf("failed to persist sharing state: %w", err)
	}
	c.mu.Lock()
	c.sharing = true
	variant := c.preferred
	c.mu.Unlock()

	klog.Infof("Resource sharing enabled")
	if err := c.ready(ctx, variant); err != nil {
		return api.NewSandboxUnavailableError(c.opts.SandboxName, err)
	}
	return nil
}

// DisableSharing persists the choice and stops the sandbox without removing
// it. Jobs are refused until sharing is enabled again.
func (c *Coordinator) DisableSharing(ctx context.Context) error {
	if err := c.store.Set(ctx, KeySharingEnabled, strconv.FormatBool(false)); err != nil {
		return fmt.Errorf("failed to persist sharing state: %w", err)
	}
	c.mu.Lock()
	c.sharing = false
	c.mu.Unlock()

	klog.Infof("Resource sharing disabled")
	return c.sandboxes.Stop(ctx, c.opts.SandboxName)
}

// SetPreferredVariant persists the variant. While sharing is enabled the
// sandbox is switched right away.
func (c *Coordinator) SetPreferredVariant(ctx context.Context, variant types.Variant) error {
	if variant != types.VariantStandard && variant != types.VariantGPU {
		return api.NewInvalidArgumentError(fmt.Sprintf("invalid sandbox variant %q", variant))
	}
	if err := c.store.Set(ctx, KeyPreferredVariant, string(variant)); err != nil {
		return fmt.Errorf("failed to persist preferred variant: %w", err)
	}
	c.mu.Lock()
	prev := c.preferred
	c.preferred = variant
	sharing := c.sharing
	c.mu.Unlock()

	if prev != variant {
		klog.Infof("Preferred sandbox variant changed from %s to %s", prev, variant)
	}
	if !sharing {
		return nil
	}
	if err := c.ready(ctx, variant); err != nil {
		return api.NewSandboxUnavailableError(c.opts.SandboxName, err)
	}
	return nil
}

// --------- Executor settings ---------

func (c *Coordinator) Settings() types.ExecutorSettings {
	return c.sandboxes.Settings()
}

// UpdateSettings persists s. It applies to the next sandbox creation.
func (c *Coordinator) UpdateSettings(ctx context.Context, s types.ExecutorSettings) error {
	if err := s.Validate(); err != nil {
		return api.NewInvalidArgumentError(err.Error())
	}
	data, err := json.Marshal(s)
	if err != nil {
		return api.NewInternalError(err)
	}
	if err := c.store.Set(ctx, KeyExecutorSettings, string(data)); err != nil {
		return fmt.Errorf("failed to persist executor settings: %w", err)
	}
	c.sandboxes.SetSettings(s)
	klog.Infof("Executor settings updated: %d cpu, %d MB, %d gpu", s.CPUCores, s.MemoryMB, s.GPUs)
	return nil
}

// --------- Sandbox ---------

func (c *Coordinator) SandboxStatus(ctx context.Context) (types.SandboxState, error) {
	return c.sandboxes.State(ctx, c.opts.SandboxName)
}

// RemoveSandbox tears the sandbox down. With sharing enabled the next
// admitted job recreates it.
func (c *Coordinator) RemoveSandbox(ctx context.Context) error {
	return c.sandboxes.Remove(ctx, c.opts.SandboxName)
}

// Ready reports whether the container daemon answers.
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.sandboxes.Ping(ctx)
}

func (c *Coordinator) Status(ctx context.Context) Status {
	st := Status{
		Sessions:         len(c.registry.Sessions()),
		InFlight:         c.router.InFlight(),
		SharingEnabled:   c.SharingEnabled(),
		PreferredVariant: c.PreferredVariant(),
	}
	if id, ok := c.registry.Registered(); ok {
		st.RegisteredSession = id
	}
	state, err := c.SandboxStatus(ctx)
	if err != nil {
		st.SandboxError = err.Error()
	} else {
		st.Sandbox = &state
	}
	return st
}
