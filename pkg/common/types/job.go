package types

import (
	"encoding/json"
	"time"
)

// SessionStatus is the registration status of a peer session.
type SessionStatus string

const (
	SessionUnregistered SessionStatus = "unregistered"
	SessionRegistered   SessionStatus = "registered"
)

// Session is one external peer connection.
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	ConnectedAt time.Time     `json:"connectedAt"`
}

// Job is a unit of offloaded work. Payload is opaque to this daemon.
type Job struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	ContainerRef    string          `json:"containerRef,omitempty"`
	Payload         json.RawMessage `json:"content,omitempty"`
	RequiredVariant Variant         `json:"variant,omitempty"`
	SubmittedAt     time.Time       `json:"submittedAt"`
}

// SubmissionAck acknowledges that a job was handed to the execution surface.
// It never carries the result.
type SubmissionAck struct {
	JobID       string    `json:"jobId"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Result is the outcome of a job. Response and Error are normally mutually
// exclusive, but both may be nil.
type Result struct {
	JobID         string  `json:"jobId"`
	Status        int     `json:"status"`
	Response      *string `json:"response,omitempty"`
	Error         *string `json:"error,omitempty"`
	TaskID        string  `json:"taskId,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
}
