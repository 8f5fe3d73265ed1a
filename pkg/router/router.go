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

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/lru"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/common/types"
	"github.com/mecanywhere/offloadd/pkg/metrics"
	"github.com/mecanywhere/offloadd/pkg/sessionmgr"
)

// DefaultTombstones bounds how many abandoned job ids are remembered.
const DefaultTombstones = 4096

// Sessions is the view of the connection registry the router needs.
type Sessions interface {
	IsRegistered(sessionID string) bool
	Sink(sessionID string) (sessionmgr.Sink, bool)
}

// Admitter decides whether a job may be dispatched right now.
type Admitter interface {
	RequestAdmission(ctx context.Context, sessionID string, variant types.Variant) error
}

// Surface forwards jobs to the internal execution surface.
type Surface interface {
	OffloadJob(ctx context.Context, sessionID string, job types.Job) error
}

// flight is one job forwarded and awaiting its result. mu is held by Submit
// until the acknowledgment has been handed to the sink, so a result for the
// job cannot overtake its acknowledgment.
type flight struct {
	sessionID string
	mu        sync.Mutex
	failed    bool
}

// Router moves jobs from the registered session to the execution surface and
// routes results back by job id.
type Router struct {
	sessions Sessions
	admitter Admitter
	surface  Surface

	mu       sync.Mutex
	inflight map[string]*flight

	abandoned *lru.Cache
}

func New(sessions Sessions, admitter Admitter, surface Surface) *Router {
	return &Router{
		sessions:  sessions,
		admitter:  admitter,
		surface:   surface,
		inflight:  make(map[string]*flight),
		abandoned: lru.New(DefaultTombstones),
	}
}

// Submit admits and forwards job for the session. The returned
// acknowledgment has already been handed to the session sink.
func (r *Router) Submit(ctx context.Context, sessionID string, job types.Job) (ack types.SubmissionAck, err error) {
	defer func() {
		result := metrics.Result(err)
		if err != nil {
			result = api.Code(err)
		}
		metrics.JobsSubmitted.WithLabelValues(result).Inc()
	}()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if !r.sessions.IsRegistered(sessionID) {
		return types.SubmissionAck{}, api.NewNotRegisteredError(sessionID)
	}
	job.SessionID = sessionID
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	if job.RequiredVariant == "" {
		job.RequiredVariant = types.VariantStandard
	}

	f := &flight{sessionID: sessionID}
	f.mu.Lock()
	defer f.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.inflight[job.ID]; exists {
		r.mu.Unlock()
		return types.SubmissionAck{}, api.NewDuplicateJobError(job.ID)
	}
	r.inflight[job.ID] = f
	r.abandoned.Remove(job.ID)
	metrics.JobsInFlight.Set(float64(len(r.inflight)))
	r.mu.Unlock()

	if err := r.admitter.RequestAdmission(ctx, sessionID, job.RequiredVariant); err != nil {
		r.forget(job.ID, f)
		if errors.Is(err, api.ErrNotRegistered) {
			return types.SubmissionAck{}, err
		}
		klog.Warningf("Job %s of session %s not admitted: %v", job.ID, sessionID, err)
		return types.SubmissionAck{}, api.NewSandboxNotReadyError(err)
	}

	sink, ok := r.sessions.Sink(sessionID)
	if !ok {
		r.forget(job.ID, f)
		return types.SubmissionAck{}, api.NewNotConnectedError(sessionID)
	}

	if err := r.surface.OffloadJob(ctx, sessionID, job); err != nil {
		r.forget(job.ID, f)
		klog.Errorf("Failed to forward job %s of session %s: %v", job.ID, sessionID, err)
		return types.SubmissionAck{}, fmt.Errorf("failed to forward job %s: %w", job.ID, err)
	}

	ack = types.SubmissionAck{
		JobID:       job.ID,
		Status:      "success",
		SubmittedAt: job.SubmittedAt,
	}
	sink.Acknowledge(ctx, ack)
	klog.V(2).Infof("Job %s of session %s forwarded", job.ID, sessionID)
	return ack, nil
}

// forget drops a job whose submission failed. The caller holds f.mu.
func (r *Router) forget(jobID string, f *flight) {
	f.failed = true
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[jobID] == f {
		delete(r.inflight, jobID)
	}
	metrics.JobsInFlight.Set(float64(len(r.inflight)))
}

// DeliverResult hands the result to the session that owns the job, at most
// once. Results without a live owner are reported as LostDelivery and never
// delivered anywhere else.
func (r *Router) DeliverResult(_ context.Context, result types.Result) error {
	r.mu.Lock()
	f, ok := r.inflight[result.JobID]
	if ok {
		delete(r.inflight, result.JobID)
	}
	_, abandoned := r.abandoned.Get(result.JobID)
	metrics.JobsInFlight.Set(float64(len(r.inflight)))
	r.mu.Unlock()

	if !ok {
		if abandoned {
			return lost(result, "session gone")
		}
		return lost(result, "unknown job")
	}

	// Wait for the acknowledgment of this job to go out first.
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failed {
		return lost(result, "job not accepted")
	}
	sink, ok := r.sessions.Sink(f.sessionID)
	if !ok {
		return lost(result, "session gone")
	}
	sink.Deliver(result)
	metrics.ResultsDelivered.Inc()
	klog.V(2).Infof("Delivered result of job %s to session %s", result.JobID, f.sessionID)
	return nil
}

func lost(result types.Result, reason string) error {
	metrics.LostDeliveries.WithLabelValues(reason).Inc()
	klog.Errorf("Lost delivery of result for job %s (task %q, transaction %q): %s",
		result.JobID, result.TaskID, result.TransactionID, reason)
	return api.NewLostDeliveryError(result.JobID, reason)
}

// Abandon drops every in-flight job of a destroyed session. Late results for
// those jobs are reported as lost.
func (r *Router) Abandon(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, f := range r.inflight {
		if f.sessionID != sessionID {
			continue
		}
		delete(r.inflight, id)
		r.abandoned.Add(id, sessionID)
		n++
	}
	metrics.JobsInFlight.Set(float64(len(r.inflight)))
	if n > 0 {
		klog.Infof("Abandoned %d in-flight jobs of session %s", n, sessionID)
	}
	return n
}

// InFlight returns the number of jobs awaiting a result.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
