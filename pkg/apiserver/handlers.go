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
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/common/types"
)

// handleHealthLive handles liveness checks
func (s *Server) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

// handleHealthReady reports ready once the store and the container daemon answer.
func (s *Server) handleHealthReady(c *gin.Context) {
	ctx := c.Request.Context()
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "store not available",
			})
			return
		}
	}
	if err := s.coord.Ready(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  "container daemon not available",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	respondJSON(c, http.StatusOK, s.coord.Status(c.Request.Context()))
}

func (s *Server) handleEnableSharing(c *gin.Context) {
	if err := s.coord.EnableSharing(c.Request.Context()); err != nil {
		klog.Errorf("Failed to enable sharing: %v", err)
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"sharingEnabled": true})
}

func (s *Server) handleDisableSharing(c *gin.Context) {
	if err := s.coord.DisableSharing(c.Request.Context()); err != nil {
		klog.Errorf("Failed to disable sharing: %v", err)
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"sharingEnabled": false})
}

func (s *Server) handleGetSandbox(c *gin.Context) {
	state, err := s.coord.SandboxStatus(c.Request.Context())
	if err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, state)
}

type variantRequest struct {
	Variant string `json:"variant" binding:"required"`
}

func (s *Server) handleSetVariant(c *gin.Context) {
	var req variantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, api.NewInvalidArgumentError(err.Error()))
		return
	}
	variant, err := types.ParseVariant(req.Variant)
	if err != nil {
		respondAPIError(c, api.NewInvalidArgumentError(err.Error()))
		return
	}
	if err := s.coord.SetPreferredVariant(c.Request.Context(), variant); err != nil {
		klog.Errorf("Failed to switch sandbox variant to %s: %v", variant, err)
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"variant": variant})
}

func (s *Server) handleRemoveSandbox(c *gin.Context) {
	if err := s.coord.RemoveSandbox(c.Request.Context()); err != nil {
		klog.Errorf("Failed to remove sandbox: %v", err)
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"message": "sandbox removed"})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	respondJSON(c, http.StatusOK, s.coord.Settings())
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var settings types.ExecutorSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		respondAPIError(c, api.NewInvalidArgumentError(err.Error()))
		return
	}
	if err := s.coord.UpdateSettings(c.Request.Context(), settings); err != nil {
		respondAPIError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, settings)
}
