package worker

import "github.com/mecanywhere/offloadd/pkg/common/types"

// Frame types exchanged with the execution worker.
const (
	FrameRegisterClient   = "register-client-request"
	FrameDeregisterClient = "deregister-client"
	FrameOffloadJob       = "offload-job"

	FrameClientRegistered = "client-registered"
	FrameJobResults       = "job-results-received"
)

// Frame is one JSON message on the worker channel. Outbound frames carry
// RequestID, SessionID and Job; inbound frames carry Registered or ID and
// Result.
type Frame struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Job       *types.Job `json:"job,omitempty"`

	Registered *bool         `json:"registered,omitempty"`
	ID         string        `json:"id,omitempty"`
	Result     *types.Result `json:"result,omitempty"`
}
