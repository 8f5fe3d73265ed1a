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
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/common/types"
)

// DockerRuntime drives sandbox containers through the Docker Engine API.
type DockerRuntime struct {
	cli         *client.Client
	stopTimeout int
}

// NewDockerRuntime connects using the standard DOCKER_HOST environment.
func NewDockerRuntime(stopTimeoutSeconds int) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerRuntime(cli, stopTimeoutSeconds), nil
}

func newDockerRuntime(cli *client.Client, stopTimeoutSeconds int) *DockerRuntime {
	return &DockerRuntime{cli: cli, stopTimeout: stopTimeoutSeconds}
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

func (r *DockerRuntime) Exists(ctx context.Context, name string) (bool, error) {
	_, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *DockerRuntime) SupportsGPU(ctx context.Context, name string) (bool, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if info.Config != nil {
		if v, ok := info.Config.Labels[VariantLabel]; ok {
			return v == string(types.VariantGPU), nil
		}
	}
	// Containers created outside the daemon carry no label; fall back to device requests.
	if info.ContainerJSONBase != nil && info.HostConfig != nil {
		for _, req := range info.HostConfig.DeviceRequests {
			for _, caps := range req.Capabilities {
				for _, c := range caps {
					if c == "gpu" {
						return true, nil
					}
				}
			}
		}
	}
	return false, nil
}

func (r *DockerRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}
	return info.State.Running, nil
}

func (r *DockerRuntime) Create(ctx context.Context, opts CreateOptions) error {
	labels := map[string]string{VariantLabel: string(opts.Variant)}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:  opts.Image,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(opts.Settings.CPUCores) * 1_000_000_000,
			Memory:   int64(opts.Settings.MemoryMB) << 20,
		},
	}

	if opts.Variant == types.VariantGPU {
		count := opts.Settings.GPUs
		if count <= 0 {
			count = -1
		}
		hostCfg.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        count,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	if opts.ContainerPort > 0 && opts.HostPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(opts.ContainerPort))
		if err != nil {
			return fmt.Errorf("invalid container port %d: %w", opts.ContainerPort, err)
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(opts.HostPort)}},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return err
	}
	for _, w := range resp.Warnings {
		klog.Warningf("docker create %s: %s", opts.Name, w)
	}
	klog.V(2).Infof("Created container %s (%s) from image %s", opts.Name, resp.ID, opts.Image)
	return nil
}

func (r *DockerRuntime) Start(ctx context.Context, name string) error {
	return r.cli.ContainerStart(ctx, name, container.StartOptions{})
}

func (r *DockerRuntime) Stop(ctx context.Context, name string) error {
	timeout := r.stopTimeout
	err := r.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (r *DockerRuntime) Remove(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}
