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

package apiserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/auth"
	"github.com/mecanywhere/offloadd/pkg/common/types"
	"github.com/mecanywhere/offloadd/pkg/config"
	"github.com/mecanywhere/offloadd/pkg/coordinator"
	"github.com/mecanywhere/offloadd/pkg/metrics"
	"github.com/mecanywhere/offloadd/pkg/store"
)

const defaultMaxConcurrentRequests = 1000

// Coordinator is the part of the offload coordinator the admin API drives.
type Coordinator interface {
	Status(ctx context.Context) coordinator.Status
	Ready(ctx context.Context) error
	EnableSharing(ctx context.Context) error
	DisableSharing(ctx context.Context) error
	SandboxStatus(ctx context.Context) (types.SandboxState, error)
	SetPreferredVariant(ctx context.Context, variant types.Variant) error
	RemoveSandbox(ctx context.Context) error
	Settings() types.ExecutorSettings
	UpdateSettings(ctx context.Context, s types.ExecutorSettings) error
}

// Mounts are the long-lived connection endpoints served next to the admin API.
type Mounts struct {
	// PeerPath is the socket.io path, e.g. "/socket.io/".
	PeerPath string
	Peers    http.Handler
	Worker   http.Handler
}

// Server is the daemon's HTTP front: health, metrics, admin API, the peer
// socket and the execution worker channel.
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	coord      Coordinator
	store      store.Store
	mounts     Mounts
}

func NewServer(cfg *config.Config, coord Coordinator, st store.Store, mounts Mounts) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}

	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = defaultMaxConcurrentRequests
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: cfg,
		coord:  coord,
		store:  st,
		mounts: mounts,
	}
	s.setupRoutes()
	return s, nil
}

// Handler exposes the routed engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// concurrencyLimitMiddleware limits the number of concurrent requests
func (s *Server) concurrencyLimitMiddleware() gin.HandlerFunc {
	concurrency := make(chan struct{}, s.config.MaxConcurrentRequests)
	return func(c *gin.Context) {
		select {
		case concurrency <- struct{}{}:
			defer func() {
				<-concurrency
			}()
			c.Next()
		default:
			respondError(c, http.StatusTooManyRequests, "SERVER_OVERLOADED", "server overloaded, please try again later")
			c.Abort()
		}
	}
}

// corsMiddleware covers the admin API only; the peer socket applies its own CORS.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.config.CORSOrigins) == 0 || slices.Contains(s.config.CORSOrigins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.config.CORSOrigins
	}
	handler := cors.New(cfg)
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/v1/") {
			c.Next()
			return
		}
		handler(c)
	}
}

// adminAuthMiddleware requires the admin bearer token when one is configured.
func (s *Server) adminAuthMiddleware(c *gin.Context) {
	if !auth.MatchToken(s.config.Auth.AdminToken, auth.BearerToken(c.Request)) {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid admin token")
		c.Abort()
		return
	}
	c.Next()
}

// loggingMiddleware logs each request
func (s *Server) loggingMiddleware(c *gin.Context) {
	start := time.Now()
	klog.V(2).Infof("%s %s %s", c.Request.Method, c.Request.RequestURI, c.ClientIP())
	c.Next()
	klog.V(2).Infof("%s %s - %d in %v", c.Request.Method, c.Request.RequestURI, c.Writer.Status(), time.Since(start))
}

func (s *Server) setupRoutes() {
	s.engine = gin.New()
	// Engine level so preflight requests for unrouted OPTIONS still get answered.
	s.engine.Use(gin.Recovery(), s.corsMiddleware())

	s.engine.GET("/health/live", s.handleHealthLive)
	s.engine.GET("/health/ready", s.handleHealthReady)
	s.engine.GET("/metrics", metrics.Handler())

	if s.mounts.Peers != nil {
		path := s.mounts.PeerPath
		if path == "" {
			path = "/socket.io/"
		}
		s.engine.Any(strings.TrimSuffix(path, "/")+"/*any", gin.WrapH(s.mounts.Peers))
	}
	// The worker channel is long-lived and stays out of the concurrency limit.
	if s.mounts.Worker != nil {
		s.engine.GET("/v1/worker", gin.WrapH(s.mounts.Worker))
	}

	v1 := s.engine.Group("/v1")
	v1.Use(s.loggingMiddleware)
	v1.Use(s.adminAuthMiddleware)
	v1.Use(s.concurrencyLimitMiddleware())

	v1.GET("/status", s.handleStatus)

	v1.POST("/sharing", s.handleEnableSharing)
	v1.DELETE("/sharing", s.handleDisableSharing)

	v1.GET("/sandbox", s.handleGetSandbox)
	v1.PUT("/sandbox/variant", s.handleSetVariant)
	v1.DELETE("/sandbox", s.handleRemoveSandbox)

	v1.GET("/settings", s.handleGetSettings)
	v1.PUT("/settings", s.handleUpdateSettings)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, s.config.Port)

	h2s := &http2.Server{}
	h2cHandler := h2c.NewHandler(s.engine, h2s)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       90 * time.Second, // golang http default transport's idletimeout is 90s
	}

	go func() {
		<-ctx.Done()
		klog.Info("Shutting down offloadd server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Server shutdown error: %v", err)
		}
	}()

	klog.Infof("offloadd listening on %s", addr)

	var err error
	if s.config.EnableTLS {
		if s.config.TLSCert == "" || s.config.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert/key not provided")
		}
		err = s.httpServer.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
