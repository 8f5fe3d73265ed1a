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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/apiserver"
	"github.com/mecanywhere/offloadd/pkg/auth"
	"github.com/mecanywhere/offloadd/pkg/common/types"
	"github.com/mecanywhere/offloadd/pkg/config"
	"github.com/mecanywhere/offloadd/pkg/coordinator"
	"github.com/mecanywhere/offloadd/pkg/sandbox"
	"github.com/mecanywhere/offloadd/pkg/store"
	"github.com/mecanywhere/offloadd/pkg/transport"
	"github.com/mecanywhere/offloadd/pkg/worker"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "offloadd",
		Short:        "Job offload routing daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.offloadd/config.yaml)")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(tokenCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serveCmd() *cobra.Command {
	var port string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the offload daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			if debug {
				cfg.Debug = true
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port, overrides the config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug mode")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a peer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			verifier := auth.NewVerifier(cfg.Auth.PeerJWTSecret)
			if !verifier.Enabled() {
				return fmt.Errorf("auth.peerJWTSecret is not configured")
			}
			token, err := verifier.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "peer", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// loadConfig reads --config, or the default file when it exists.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if p := config.DefaultConfigPath(); fileExists(p) {
			path = p
		}
	}
	return config.Load(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func newRuntime(cfg *config.Config) (sandbox.Runtime, io.Closer, error) {
	switch cfg.Sandbox.Runtime {
	case config.RuntimeFake:
		klog.Warning("Using the in-memory sandbox runtime, jobs will not execute")
		return sandbox.NewFakeRuntime(), nil, nil
	default:
		rt, err := sandbox.NewDockerRuntime(cfg.Sandbox.StopTimeoutSeconds)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to container daemon: %w", err)
		}
		return rt, rt, nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st := store.Storage()

	rt, rtCloser, err := newRuntime(cfg)
	if err != nil {
		return err
	}

	ctrl := sandbox.NewController(rt, sandbox.Options{
		Images: map[types.Variant]string{
			types.VariantStandard: cfg.Sandbox.StandardImage,
			types.VariantGPU:      cfg.Sandbox.GPUImage,
		},
		ContainerPort: cfg.Sandbox.ContainerPort,
		HostPort:      cfg.Sandbox.HostPort,
		ReadyTimeout:  cfg.Sandbox.ReadyTimeout,
	})

	hub := worker.NewHub(cfg.Auth.WorkerToken)
	coord := coordinator.New(hub, ctrl, st, coordinator.Options{
		SandboxName:         cfg.Sandbox.Name,
		RegistrationTimeout: cfg.RegistrationTimeout,
		SharingEnabled:      cfg.Sharing.EnabledOnStart,
		PrewarmOnRegister:   cfg.Sharing.PrewarmOnRegister,
	})
	if err := coord.Load(ctx); err != nil {
		return fmt.Errorf("load persisted settings: %w", err)
	}
	hub.SetResultHandler(coord.DeliverResult)
	hub.SetConnectionHooks(worker.ConnectionHooks{
		OnAttach: coord.WorkerAttached,
		OnDetach: coord.WorkerDetached,
	})

	if coord.SharingEnabled() {
		go func() {
			if err := coord.EnableSharing(ctx); err != nil {
				klog.Warningf("Sandbox not ready at startup: %v", err)
			}
		}()
	}

	peers := transport.NewServer(coord, auth.NewVerifier(cfg.Auth.PeerJWTSecret), transport.Options{
		CORSOrigins:  cfg.CORSOrigins,
		PingInterval: cfg.SocketIO.PingInterval,
		PingTimeout:  cfg.SocketIO.PingTimeout,
	})

	server, err := apiserver.NewServer(cfg, coord, st, apiserver.Mounts{
		PeerPath: peers.Path(),
		Peers:    peers.Handler(),
		Worker:   hub,
	})
	if err != nil {
		return fmt.Errorf("create API server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		klog.Info("Received shutdown signal, shutting down gracefully...")
		serveErr = <-errCh
	case serveErr = <-errCh:
	}

	peers.Close()
	hub.Close()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if rtCloser != nil {
		if err := rtCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close runtime: %w", err))
		}
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return err
	}
	klog.Info("offloadd stopped")
	return nil
}
