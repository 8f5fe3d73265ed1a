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

package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/auth"
	"github.com/mecanywhere/offloadd/pkg/common/types"
	"github.com/mecanywhere/offloadd/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errWorkerGone = errors.New("execution worker disconnected")

// ResultHandler receives every result the worker reports.
type ResultHandler func(ctx context.Context, result types.Result) error

// ConnectionHooks observe the attached worker changing. OnDetach runs before
// the OnAttach of a replacing worker.
type ConnectionHooks struct {
	OnAttach func()
	OnDetach func()
}

// Hub is the daemon's end of the execution worker channel. At most one
// worker is attached; a newer connection replaces the current one.
type Hub struct {
	token    string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *workerConn
	handler ResultHandler

	// hookMu serializes connection changes with their hooks.
	hookMu sync.Mutex
	hooks  ConnectionHooks
}

// workerConn is one attached worker and the registration requests waiting
// for its answer.
type workerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub returns a Hub that requires token as bearer token when non-empty.
func NewHub(token string) *Hub {
	return &Hub{
		token: token,
		upgrader: websocket.Upgrader{
			// The worker is a local process, not a browser.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetResultHandler installs the callback for job results.
func (h *Hub) SetResultHandler(fn ResultHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// SetConnectionHooks installs callbacks for worker attach and detach.
func (h *Hub) SetConnectionHooks(hooks ConnectionHooks) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.hooks = hooks
}

// Connected reports whether a worker is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

func (h *Hub) current() (*workerConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil, api.NewWorkerUnavailableError(nil)
	}
	return h.conn, nil
}

// ServeHTTP upgrades the worker connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !auth.MatchToken(h.token, auth.BearerToken(r)) {
		klog.Warningf("Rejected execution worker from %s: bad token", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Errorf("Execution worker upgrade failed: %v", err)
		return
	}

	c := &workerConn{
		ws:      ws,
		pending: make(map[string]chan bool),
		done:    make(chan struct{}),
	}
	h.attach(c)
	klog.Infof("Execution worker connected from %s", r.RemoteAddr)

	go c.keepalive()
	h.readLoop(r.Context(), c)

	h.detach(c)
	klog.Infof("Execution worker from %s disconnected", r.RemoteAddr)
}

func (h *Hub) attach(c *workerConn) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()

	h.mu.Lock()
	old := h.conn
	h.conn = c
	h.mu.Unlock()

	if old != nil {
		klog.Warningf("Replacing the attached execution worker")
		old.close()
		if h.hooks.OnDetach != nil {
			h.hooks.OnDetach()
		}
	}
	metrics.WorkerConnected.Set(1)
	if h.hooks.OnAttach != nil {
		h.hooks.OnAttach()
	}
}

func (h *Hub) detach(c *workerConn) {
	c.close()

	h.hookMu.Lock()
	defer h.hookMu.Unlock()

	h.mu.Lock()
	current := h.conn == c
	if current {
		h.conn = nil
		metrics.WorkerConnected.Set(0)
	}
	h.mu.Unlock()

	if current && h.hooks.OnDetach != nil {
		h.hooks.OnDetach()
	}
}

func (h *Hub) readLoop(ctx context.Context, c *workerConn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				klog.Errorf("Execution worker read error: %v", err)
			}
			return
		}
		h.handle(context.WithoutCancel(ctx), c, frame)
	}
}

func (h *Hub) handle(ctx context.Context, c *workerConn, frame Frame) {
	switch frame.Type {
	case FrameClientRegistered:
		registered := frame.Registered != nil && *frame.Registered
		if !c.resolve(frame.RequestID, registered) {
			klog.Warningf("Registration answer for unknown request %q", frame.RequestID)
		}

	case FrameJobResults:
		if frame.Result == nil {
			klog.Warningf("Result frame for job %q without result", frame.ID)
			return
		}
		result := *frame.Result
		if result.JobID == "" {
			result.JobID = frame.ID
		}
		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()
		if handler == nil {
			klog.Warningf("Dropping result for job %s: no result handler", result.JobID)
			return
		}
		if err := handler(ctx, result); err != nil {
			klog.V(2).Infof("Result for job %s not delivered: %v", result.JobID, err)
		}

	default:
		klog.Warningf("Unknown frame type %q from execution worker", frame.Type)
	}
}

// RequestRegistration asks the worker to accept the session and waits for
// its answer.
func (h *Hub) RequestRegistration(ctx context.Context, sessionID string) (bool, error) {
	c, err := h.current()
	if err != nil {
		return false, err
	}

	requestID := uuid.NewString()
	answer := make(chan bool, 1)
	c.mu.Lock()
	c.pending[requestID] = answer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(Frame{Type: FrameRegisterClient, RequestID: requestID, SessionID: sessionID}); err != nil {
		return false, api.NewWorkerUnavailableError(err)
	}

	select {
	case ok := <-answer:
		return ok, nil
	case <-c.done:
		return false, api.NewWorkerUnavailableError(errWorkerGone)
	case <-ctx.Done():
		return false, fmt.Errorf("waiting for registration of session %s: %w", sessionID, ctx.Err())
	}
}

// Deregister tells the worker the session is gone.
func (h *Hub) Deregister(_ context.Context, sessionID string) error {
	c, err := h.current()
	if err != nil {
		return err
	}
	if err := c.send(Frame{Type: FrameDeregisterClient, RequestID: uuid.NewString(), SessionID: sessionID}); err != nil {
		return api.NewWorkerUnavailableError(err)
	}
	return nil
}

// OffloadJob forwards job to the worker.
func (h *Hub) OffloadJob(_ context.Context, sessionID string, job types.Job) error {
	c, err := h.current()
	if err != nil {
		return err
	}
	if err := c.send(Frame{Type: FrameOffloadJob, RequestID: job.ID, SessionID: sessionID, Job: &job}); err != nil {
		return api.NewWorkerUnavailableError(err)
	}
	return nil
}

// Close detaches the current worker, if any.
func (h *Hub) Close() {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c != nil {
		c.close()
	}
}

func (c *workerConn) send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errWorkerGone
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(frame)
}

func (c *workerConn) resolve(requestID string, registered bool) bool {
	c.mu.Lock()
	answer, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if ok {
		answer <- registered
	}
	return ok
}

func (c *workerConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				klog.V(2).Infof("Execution worker ping failed: %v", err)
				c.close()
				return
			}
		}
	}
}

func (c *workerConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
