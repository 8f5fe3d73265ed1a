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
	"errors"
	"fmt"
	"sync"

	"github.com/mecanywhere/offloadd/pkg/common/types"
)

// FakeInstance is a sandbox held by FakeRuntime.
type FakeInstance struct {
	Options CreateOptions
	Running bool
}

// FakeRuntime is an in-memory Runtime. It backs the "fake" runtime setting
// and the tests of every package that needs a sandbox.
type FakeRuntime struct {
	mu sync.Mutex

	Instances map[string]*FakeInstance
	// Errors injects a failure for an operation name ("Ping", "Create", ...).
	Errors map[string]error
	// StartLeavesStopped makes Start succeed without the instance ever running.
	StartLeavesStopped bool
	CallLog            []string
	// Observer is called after every mutating call with the live instances.
	Observer func(instances map[string]FakeInstance)
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Instances: make(map[string]*FakeInstance),
		Errors:    make(map[string]error),
	}
}

// SetError injects err for the named operation. A nil err clears it.
func (f *FakeRuntime) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, op)
		return
	}
	f.Errors[op] = err
}

// AddInstance seeds an existing sandbox.
func (f *FakeRuntime) AddInstance(name string, variant types.Variant, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Instances[name] = &FakeInstance{
		Options: CreateOptions{Name: name, Variant: variant},
		Running: running,
	}
}

// Calls returns a copy of the recorded operation log.
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.CallLog))
	copy(out, f.CallLog)
	return out
}

// Instance returns a snapshot of the named sandbox.
func (f *FakeRuntime) Instance(name string) (FakeInstance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.Instances[name]
	if !ok {
		return FakeInstance{}, false
	}
	return *inst, true
}

func (f *FakeRuntime) call(op, name string) error {
	f.CallLog = append(f.CallLog, op+" "+name)
	return f.Errors[op]
}

func (f *FakeRuntime) notify() {
	if f.Observer == nil {
		return
	}
	snapshot := make(map[string]FakeInstance, len(f.Instances))
	for k, v := range f.Instances {
		snapshot[k] = *v
	}
	f.Observer(snapshot)
}

func (f *FakeRuntime) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.call("Ping", "")
}

func (f *FakeRuntime) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Exists", name); err != nil {
		return false, err
	}
	_, ok := f.Instances[name]
	return ok, nil
}

func (f *FakeRuntime) SupportsGPU(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SupportsGPU", name); err != nil {
		return false, err
	}
	inst, ok := f.Instances[name]
	return ok && inst.Options.Variant == types.VariantGPU, nil
}

func (f *FakeRuntime) IsRunning(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IsRunning", name); err != nil {
		return false, err
	}
	inst, ok := f.Instances[name]
	return ok && inst.Running, nil
}

func (f *FakeRuntime) Create(_ context.Context, opts CreateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Create", opts.Name); err != nil {
		return err
	}
	if _, ok := f.Instances[opts.Name]; ok {
		return fmt.Errorf("conflict: container name %q is already in use", opts.Name)
	}
	f.Instances[opts.Name] = &FakeInstance{Options: opts}
	f.notify()
	return nil
}

func (f *FakeRuntime) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Start", name); err != nil {
		return err
	}
	inst, ok := f.Instances[name]
	if !ok {
		return errors.New("no such container: " + name)
	}
	if !f.StartLeavesStopped {
		inst.Running = true
	}
	f.notify()
	return nil
}

func (f *FakeRuntime) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Stop", name); err != nil {
		return err
	}
	if inst, ok := f.Instances[name]; ok {
		inst.Running = false
	}
	f.notify()
	return nil
}

func (f *FakeRuntime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Remove", name); err != nil {
		return err
	}
	delete(f.Instances, name)
	f.notify()
	return nil
}
