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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mecanywhere/offloadd/pkg/common/types"
)

const testAPIVersion = "1.45"

type engineContainer struct {
	labels         map[string]string
	deviceRequests []container.DeviceRequest
	running        bool
}

type createBody struct {
	container.Config
	HostConfig *container.HostConfig
}

// fakeEngine answers the subset of the Docker Engine API used by DockerRuntime.
type fakeEngine struct {
	mu          sync.Mutex
	containers  map[string]*engineContainer
	created     []createBody
	createName  string
	stopQuery   string
	removeForce string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: make(map[string]*engineContainer)}
}

// locked runs fn with the engine state locked; requests are served on other goroutines.
func (e *fakeEngine) locked(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

func notFound(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "No such container: " + name})
}

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v"+testAPIVersion)
	if path == "/_ping" {
		w.Header().Set("API-Version", testAPIVersion)
		w.WriteHeader(http.StatusOK)
		return
	}

	if path == "/containers/create" && r.Method == http.MethodPost {
		var body createBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		name := r.URL.Query().Get("name")
		e.createName = name
		e.created = append(e.created, body)
		c := &engineContainer{labels: body.Labels}
		if body.HostConfig != nil {
			c.deviceRequests = body.HostConfig.DeviceRequests
		}
		e.containers[name] = c
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"Id": "id-" + name, "Warnings": []string{}})
		return
	}

	rest := strings.TrimPrefix(path, "/containers/")
	name, action, _ := strings.Cut(rest, "/")
	c, ok := e.containers[name]

	switch {
	case action == "json" && r.Method == http.MethodGet:
		if !ok {
			notFound(w, name)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Id":         "id-" + name,
			"Name":       "/" + name,
			"State":      map[string]any{"Running": c.running},
			"HostConfig": map[string]any{"DeviceRequests": c.deviceRequests},
			"Config":     map[string]any{"Labels": c.labels},
		})
	case action == "start" && r.Method == http.MethodPost:
		if !ok {
			notFound(w, name)
			return
		}
		c.running = true
		w.WriteHeader(http.StatusNoContent)
	case action == "stop" && r.Method == http.MethodPost:
		e.stopQuery = r.URL.RawQuery
		if !ok {
			notFound(w, name)
			return
		}
		c.running = false
		w.WriteHeader(http.StatusNoContent)
	case action == "" && r.Method == http.MethodDelete:
		e.removeForce = r.URL.Query().Get("force")
		if !ok {
			notFound(w, name)
			return
		}
		delete(e.containers, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotImplemented)
	}
}

func newTestDockerRuntime(t *testing.T) (*DockerRuntime, *fakeEngine, *httptest.Server) {
	t.Helper()
	engine := newFakeEngine()
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithHTTPClient(srv.Client()),
		client.WithVersion(testAPIVersion),
	)
	require.NoError(t, err)
	rt := newDockerRuntime(cli, 7)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, engine, srv
}

func TestDockerRuntimePing(t *testing.T) {
	rt, _, srv := newTestDockerRuntime(t)
	assert.NoError(t, rt.Ping(context.Background()))

	srv.Close()
	assert.Error(t, rt.Ping(context.Background()))
}

func TestDockerRuntimeMissingContainer(t *testing.T) {
	rt, engine, _ := newTestDockerRuntime(t)
	ctx := context.Background()

	exists, err := rt.Exists(ctx, "sbx")
	require.NoError(t, err)
	assert.False(t, exists)

	running, err := rt.IsRunning(ctx, "sbx")
	require.NoError(t, err)
	assert.False(t, running)

	gpu, err := rt.SupportsGPU(ctx, "sbx")
	require.NoError(t, err)
	assert.False(t, gpu)

	assert.NoError(t, rt.Stop(ctx, "sbx"), "stopping a missing container succeeds")
	assert.NoError(t, rt.Remove(ctx, "sbx"), "removing a missing container succeeds")
	engine.locked(func() { assert.Equal(t, "1", engine.removeForce) })
}

func TestDockerRuntimeCreateGPU(t *testing.T) {
	rt, engine, _ := newTestDockerRuntime(t)
	ctx := context.Background()

	err := rt.Create(ctx, CreateOptions{
		Name:          "sbx",
		Image:         "meca/executor-gpu:latest",
		Variant:       types.VariantGPU,
		Settings:      types.ExecutorSettings{CPUCores: 2, MemoryMB: 4096, GPUs: 0},
		ContainerPort: 2591,
		HostPort:      3000,
		Labels:        map[string]string{ManagedByLabel: ManagedByValue},
	})
	require.NoError(t, err)

	var body createBody
	engine.locked(func() {
		require.Len(t, engine.created, 1)
		body = engine.created[0]
		assert.Equal(t, "sbx", engine.createName)
	})
	assert.Equal(t, "meca/executor-gpu:latest", body.Image)
	assert.Equal(t, "gpu", body.Labels[VariantLabel])
	assert.Equal(t, ManagedByValue, body.Labels[ManagedByLabel])

	require.NotNil(t, body.HostConfig)
	assert.Equal(t, int64(2_000_000_000), body.HostConfig.NanoCPUs)
	assert.Equal(t, int64(4096)<<20, body.HostConfig.Memory)
	require.Len(t, body.HostConfig.DeviceRequests, 1)
	req := body.HostConfig.DeviceRequests[0]
	assert.Equal(t, "nvidia", req.Driver)
	assert.Equal(t, -1, req.Count, "zero gpus requests all devices")
	assert.Equal(t, [][]string{{"gpu"}}, req.Capabilities)

	port := nat.Port("2591/tcp")
	assert.Contains(t, body.ExposedPorts, port)
	require.Len(t, body.HostConfig.PortBindings[port], 1)
	assert.Equal(t, nat.PortBinding{HostIP: "127.0.0.1", HostPort: "3000"}, body.HostConfig.PortBindings[port][0])

	gpu, err := rt.SupportsGPU(ctx, "sbx")
	require.NoError(t, err)
	assert.True(t, gpu)
}

func TestDockerRuntimeCreateStandard(t *testing.T) {
	rt, engine, _ := newTestDockerRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Create(ctx, CreateOptions{
		Name:     "sbx",
		Image:    "meca/executor:latest",
		Variant:  types.VariantStandard,
		Settings: types.DefaultExecutorSettings(),
	}))

	var body createBody
	engine.locked(func() { body = engine.created[0] })
	require.NotNil(t, body.HostConfig)
	assert.Empty(t, body.HostConfig.DeviceRequests)
	assert.Empty(t, body.HostConfig.PortBindings, "no binding without ports")
	gpu, err := rt.SupportsGPU(ctx, "sbx")
	require.NoError(t, err)
	assert.False(t, gpu)
}

func TestDockerRuntimeGPUFromDeviceRequests(t *testing.T) {
	rt, engine, _ := newTestDockerRuntime(t)
	engine.locked(func() {
		engine.containers["sbx"] = &engineContainer{
			deviceRequests: []container.DeviceRequest{{Driver: "nvidia", Count: -1, Capabilities: [][]string{{"gpu"}}}},
		}
	})
	gpu, err := rt.SupportsGPU(context.Background(), "sbx")
	require.NoError(t, err)
	assert.True(t, gpu, "unlabelled containers fall back to device requests")

	engine.locked(func() {
		engine.containers["sbx"] = &engineContainer{
			labels:         map[string]string{VariantLabel: "standard"},
			deviceRequests: []container.DeviceRequest{{Driver: "nvidia", Capabilities: [][]string{{"gpu"}}}},
		}
	})
	gpu, err = rt.SupportsGPU(context.Background(), "sbx")
	require.NoError(t, err)
	assert.False(t, gpu, "the variant label wins over device requests")
}

func TestDockerRuntimeLifecycle(t *testing.T) {
	rt, engine, _ := newTestDockerRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Create(ctx, CreateOptions{Name: "sbx", Image: "img", Variant: types.VariantStandard,
		Settings: types.DefaultExecutorSettings()}))

	exists, err := rt.Exists(ctx, "sbx")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, rt.Start(ctx, "sbx"))
	running, err := rt.IsRunning(ctx, "sbx")
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, rt.Stop(ctx, "sbx"))
	engine.locked(func() { assert.Equal(t, "t=7", engine.stopQuery) })
	running, err = rt.IsRunning(ctx, "sbx")
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, rt.Remove(ctx, "sbx"))
	exists, err = rt.Exists(ctx, "sbx")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, rt.Start(ctx, "sbx"), "starting a missing container fails")
}
