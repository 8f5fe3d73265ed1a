package transport

import (
	"context"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/common/types"
)

type emitter interface {
	Emit(ev string, args ...any) error
}

// socketSink delivers acknowledgments and results to one peer socket. It
// goes quiet once the session is released.
type socketSink struct {
	em     emitter
	closed atomic.Bool
}

func newSocketSink(em emitter) *socketSink {
	return &socketSink{em: em}
}

func (s *socketSink) close() {
	s.closed.Store(true)
}

type ackKey struct{}

// withAck carries the peer's acknowledgment callback to the session sink.
func withAck(ctx context.Context, ack func(...any)) context.Context {
	if ack == nil {
		return ctx
	}
	return context.WithValue(ctx, ackKey{}, ack)
}

func ackFrom(ctx context.Context) func(...any) {
	ack, _ := ctx.Value(ackKey{}).(func(...any))
	return ack
}

// Acknowledge emits the offloaded event and answers the peer's callback
// carried by ctx, both before any result of the job can be delivered.
func (s *socketSink) Acknowledge(ctx context.Context, ack types.SubmissionAck) {
	if s.closed.Load() {
		return
	}
	payload := successPayload(ack)
	if err := s.em.Emit(EventOffloaded, nil, payload); err != nil {
		klog.Errorf("Failed to acknowledge job %s: %v", ack.JobID, err)
	}
	if cb := ackFrom(ctx); cb != nil {
		cb(nil, payload)
	}
}

func (s *socketSink) Deliver(result types.Result) {
	if s.closed.Load() {
		return
	}
	err := s.em.Emit(EventJobResults,
		result.Status,
		optional(result.Response),
		optional(result.Error),
		result.TaskID,
		result.TransactionID,
		result.JobID,
	)
	if err != nil {
		klog.Errorf("Failed to deliver result of job %s: %v", result.JobID, err)
	}
}

func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
