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

package api

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const resourceGroup = "offloadd.mecanywhere.io"

var (
	sessionResource = schema.GroupResource{Group: resourceGroup, Resource: "sessions"}
	jobResource     = schema.GroupResource{Group: resourceGroup, Resource: "jobs"}
	sandboxResource = schema.GroupResource{Group: resourceGroup, Resource: "sandboxes"}
)

var (
	// ErrNotRegistered indicates that the session holds no registration.
	ErrNotRegistered = errors.New("session not registered")

	// ErrAlreadyRegistered indicates that another session owns the registration slot.
	ErrAlreadyRegistered = errors.New("another session is already registered")

	// ErrNotConnected indicates that the session id is unknown to the registry.
	ErrNotConnected = errors.New("session not connected")

	// ErrDuplicateJob indicates that the job id is already in flight.
	ErrDuplicateJob = errors.New("duplicate in-flight job")

	// ErrSandboxNotReady is returned by the router when admission fails.
	ErrSandboxNotReady = errors.New("sandbox not ready")

	// ErrSandboxUnavailable is returned by admission when the sandbox could not be made ready.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrNotPresent indicates a lifecycle operation on an absent sandbox.
	ErrNotPresent = errors.New("sandbox not present")

	// ErrDaemonUnavailable indicates that the container runtime daemon cannot be reached.
	ErrDaemonUnavailable = errors.New("container daemon unavailable")

	// ErrLostDelivery indicates a result that could not be delivered to its session.
	ErrLostDelivery = errors.New("result delivery lost")

	// ErrWorkerUnavailable indicates that no execution worker is connected.
	ErrWorkerUnavailable = errors.New("execution worker unavailable")

	// ErrInvalidArgument indicates malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
)

func NewNotRegisteredError(sessionID string) error {
	return errors.Join(ErrNotRegistered, apierrors.NewForbidden(sessionResource, sessionID, ErrNotRegistered))
}

func NewAlreadyRegisteredError(sessionID, holder string) error {
	return errors.Join(ErrAlreadyRegistered,
		apierrors.NewConflict(sessionResource, sessionID, fmt.Errorf("registration held by session %s", holder)))
}

func NewNotConnectedError(sessionID string) error {
	return errors.Join(ErrNotConnected, apierrors.NewNotFound(sessionResource, sessionID))
}

func NewDuplicateJobError(jobID string) error {
	return errors.Join(ErrDuplicateJob, apierrors.NewAlreadyExists(jobResource, jobID))
}

// NewSandboxNotReadyError keeps the admission failure reachable through errors.Is.
func NewSandboxNotReadyError(cause error) error {
	return errors.Join(ErrSandboxNotReady, cause)
}

// NewSandboxUnavailableError keeps cause reachable through errors.Is.
func NewSandboxUnavailableError(name string, cause error) error {
	status := apierrors.NewServiceUnavailable(fmt.Sprintf("sandbox %s unavailable", name))
	if cause == nil {
		return errors.Join(ErrSandboxUnavailable, status)
	}
	return errors.Join(ErrSandboxUnavailable, status, cause)
}

func NewNotPresentError(name string) error {
	return errors.Join(ErrNotPresent, apierrors.NewNotFound(sandboxResource, name))
}

func NewDaemonUnavailableError(err error) error {
	return errors.Join(ErrDaemonUnavailable, apierrors.NewServiceUnavailable(err.Error()))
}

func NewLostDeliveryError(jobID, reason string) error {
	return errors.Join(ErrLostDelivery, apierrors.NewGone(fmt.Sprintf("result for job %s: %s", jobID, reason)))
}

func NewWorkerUnavailableError(err error) error {
	msg := "no execution worker connected"
	if err != nil {
		msg = err.Error()
	}
	return errors.Join(ErrWorkerUnavailable, apierrors.NewServiceUnavailable(msg))
}

func NewInvalidArgumentError(reason string) error {
	return errors.Join(ErrInvalidArgument, apierrors.NewBadRequest(reason))
}

func NewInternalError(err error) error {
	return apierrors.NewInternalError(err)
}

// HTTPStatus returns the HTTP status carried by err, or 500 when err has none.
func HTTPStatus(err error) int {
	var statusErr *apierrors.StatusError
	if errors.As(err, &statusErr) {
		if code := int(statusErr.ErrStatus.Code); code != 0 {
			return code
		}
	}
	return http.StatusInternalServerError
}

// Code returns the wire code peers and the admin API see for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotRegistered):
		return "NOT_REGISTERED"
	case errors.Is(err, ErrAlreadyRegistered):
		return "ALREADY_REGISTERED"
	case errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	case errors.Is(err, ErrDuplicateJob):
		return "DUPLICATE_JOB"
	case errors.Is(err, ErrSandboxNotReady):
		return "SANDBOX_NOT_READY"
	case errors.Is(err, ErrSandboxUnavailable):
		return "SANDBOX_UNAVAILABLE"
	case errors.Is(err, ErrNotPresent):
		return "NOT_PRESENT"
	case errors.Is(err, ErrDaemonUnavailable):
		return "DAEMON_UNAVAILABLE"
	case errors.Is(err, ErrLostDelivery):
		return "LOST_DELIVERY"
	case errors.Is(err, ErrWorkerUnavailable):
		return "WORKER_UNAVAILABLE"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL_ERROR"
	}
}
