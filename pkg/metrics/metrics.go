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

// Package metrics holds the Prometheus collectors shared by the offload daemon.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offloadd"

var (
	// SandboxOperations counts lifecycle operations by operation and outcome.
	SandboxOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_operations_total",
		Help:      "Sandbox lifecycle operations by operation and result",
	}, []string{"operation", "result"})

	// VariantSwitches counts destructive variant replacements.
	VariantSwitches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_variant_switches_total",
		Help:      "Sandbox replacements caused by a variant change",
	}, []string{"from", "to"})

	Registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_registrations_total",
		Help:      "Registration attempts by result",
	}, []string{"result"})

	RegisteredSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registered_sessions",
		Help:      "Number of currently registered sessions (0 or 1)",
	})

	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Job submissions by result",
	}, []string{"result"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_flight",
		Help:      "Jobs forwarded to the execution surface and awaiting a result",
	})

	ResultsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "results_delivered_total",
		Help:      "Results delivered to their owning session",
	})

	// LostDeliveries counts results that had no live owner.
	LostDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lost_deliveries_total",
		Help:      "Results dropped because the owning session was gone",
	}, []string{"reason"})

	WorkerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_connected",
		Help:      "1 when an execution worker is attached",
	})
)

func init() {
	prometheus.MustRegister(
		SandboxOperations,
		VariantSwitches,
		Registrations,
		RegisteredSessions,
		JobsSubmitted,
		JobsInFlight,
		ResultsDelivered,
		LostDeliveries,
		WorkerConnected,
	)
}

// Result maps an error to the result label used by the counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
