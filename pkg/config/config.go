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

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RuntimeDocker = "docker"
	RuntimeFake   = "fake"
)

// Config contains configuration parameters for the offload daemon
type Config struct {
	// Host is the address the server binds; empty means every interface
	Host string `yaml:"host"`
	// Port is the port the peer socket and admin API listen on
	Port string `yaml:"port"`

	// Debug enables gin debug mode
	Debug bool `yaml:"debug"`

	// EnableTLS enables HTTPS
	EnableTLS bool   `yaml:"enableTLS"`
	TLSCert   string `yaml:"tlsCert"`
	TLSKey    string `yaml:"tlsKey"`

	// MaxConcurrentRequests limits concurrent admin API requests (0 = unlimited)
	MaxConcurrentRequests int `yaml:"maxConcurrentRequests"`

	// CORSOrigins are the origins allowed to open the peer socket
	CORSOrigins []string `yaml:"corsOrigins"`

	// RegistrationTimeout bounds the wait for the execution surface to accept a session
	RegistrationTimeout time.Duration `yaml:"registrationTimeout"`

	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Sharing  SharingConfig  `yaml:"sharing"`
	Auth     AuthConfig     `yaml:"auth"`
	SocketIO SocketIOConfig `yaml:"socketio"`
}

type SandboxConfig struct {
	Name string `yaml:"name"`
	// Runtime is "docker" or "fake"
	Runtime       string `yaml:"runtime"`
	StandardImage string `yaml:"standardImage"`
	GPUImage      string `yaml:"gpuImage"`
	// ContainerPort is published on HostPort (loopback only) when both are set
	ContainerPort      int           `yaml:"containerPort"`
	HostPort           int           `yaml:"hostPort"`
	ReadyTimeout       time.Duration `yaml:"readyTimeout"`
	StopTimeoutSeconds int           `yaml:"stopTimeoutSeconds"`
}

type SharingConfig struct {
	// EnabledOnStart is used until a persisted choice exists in the store
	EnabledOnStart bool `yaml:"enabledOnStart"`
	// PrewarmOnRegister readies the sandbox as soon as a peer registers
	PrewarmOnRegister bool `yaml:"prewarmOnRegister"`
}

type AuthConfig struct {
	// PeerJWTSecret enables HS256 verification of the socket handshake token
	PeerJWTSecret string `yaml:"peerJWTSecret"`
	// WorkerToken is the bearer token the execution worker must present
	WorkerToken string `yaml:"workerToken"`
	// AdminToken is the bearer token required on the /v1 admin API
	AdminToken string `yaml:"adminToken"`
}

type SocketIOConfig struct {
	PingInterval time.Duration `yaml:"pingInterval"`
	PingTimeout  time.Duration `yaml:"pingTimeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Port:                  "3001",
		MaxConcurrentRequests: 1000,
		CORSOrigins:           []string{"*"},
		RegistrationTimeout:   10 * time.Second,
		Sandbox: SandboxConfig{
			Name:               "meca_executor_1",
			Runtime:            RuntimeDocker,
			StandardImage:      "mecanywhere/meca-executor:latest",
			GPUImage:           "mecanywhere/meca-executor-gpu:latest",
			ContainerPort:      2591,
			HostPort:           2591,
			ReadyTimeout:       30 * time.Second,
			StopTimeoutSeconds: 10,
		},
		Sharing: SharingConfig{
			EnabledOnStart: true,
		},
		SocketIO: SocketIOConfig{
			PingInterval: 25 * time.Second,
			PingTimeout:  20 * time.Second,
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults, then applies
// OFFLOADD_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"OFFLOADD_HOST":            &cfg.Host,
		"OFFLOADD_PORT":            &cfg.Port,
		"OFFLOADD_TLS_CERT":        &cfg.TLSCert,
		"OFFLOADD_TLS_KEY":         &cfg.TLSKey,
		"OFFLOADD_SANDBOX_NAME":    &cfg.Sandbox.Name,
		"OFFLOADD_SANDBOX_RUNTIME": &cfg.Sandbox.Runtime,
		"OFFLOADD_STANDARD_IMAGE":  &cfg.Sandbox.StandardImage,
		"OFFLOADD_GPU_IMAGE":       &cfg.Sandbox.GPUImage,
		"OFFLOADD_PEER_JWT_SECRET": &cfg.Auth.PeerJWTSecret,
		"OFFLOADD_WORKER_TOKEN":    &cfg.Auth.WorkerToken,
		"OFFLOADD_ADMIN_TOKEN":     &cfg.Auth.AdminToken,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"OFFLOADD_DEBUG":           &cfg.Debug,
		"OFFLOADD_ENABLE_TLS":      &cfg.EnableTLS,
		"OFFLOADD_SHARING_ENABLED": &cfg.Sharing.EnabledOnStart,
		"OFFLOADD_PREWARM":         &cfg.Sharing.PrewarmOnRegister,
	}
	for env, dst := range bools {
		if v := os.Getenv(env); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv("OFFLOADD_MAX_CONCURRENT_REQUESTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OFFLOADD_MAX_CONCURRENT_REQUESTS: %w", err)
		}
		cfg.MaxConcurrentRequests = n
	}
	if v := os.Getenv("OFFLOADD_REGISTRATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid OFFLOADD_REGISTRATION_TIMEOUT: %w", err)
		}
		cfg.RegistrationTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must be set")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if !IsLoopback(c.Host) && c.Auth.AdminToken == "" {
		return fmt.Errorf("auth.adminToken is required when listening on %q", c.Host)
	}
	if c.MaxConcurrentRequests < 0 {
		return fmt.Errorf("maxConcurrentRequests must not be negative")
	}
	if c.EnableTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("tlsCert and tlsKey are required when TLS is enabled")
	}
	if c.RegistrationTimeout <= 0 {
		return fmt.Errorf("registrationTimeout must be positive")
	}
	if c.Sandbox.Name == "" {
		return fmt.Errorf("sandbox.name must be set")
	}
	switch c.Sandbox.Runtime {
	case RuntimeDocker, RuntimeFake:
	default:
		return fmt.Errorf("unsupported sandbox runtime %q", c.Sandbox.Runtime)
	}
	if c.Sandbox.StandardImage == "" || c.Sandbox.GPUImage == "" {
		return fmt.Errorf("sandbox images must be set for both variants")
	}
	return nil
}

// IsLoopback reports whether host only accepts local connections.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// DefaultConfigPath returns the config file location, OFFLOADD_CONFIG first.
func DefaultConfigPath() string {
	if path := os.Getenv("OFFLOADD_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".offloadd", "config.yaml")
}
