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

package transport

import (
	"context"
	"net/http"
	"time"

	socket "github.com/zishang520/socket.io/servers/socket/v3"
	sockettypes "github.com/zishang520/socket.io/v3/pkg/types"
	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/auth"
	"github.com/mecanywhere/offloadd/pkg/common/types"
	"github.com/mecanywhere/offloadd/pkg/sessionmgr"
)

// Event names of the peer protocol.
const (
	EventRegister     = "register"
	EventRegistered   = "registered"
	EventOffload      = "offload"
	EventOffloaded    = "offloaded"
	EventJobResults   = "job_results_received"
	EventError        = "error"
	EventDisconnect   = "disconnect"
	defaultSocketPath = "/socket.io/"
)

// Coordinator is what a peer session drives.
type Coordinator interface {
	Connect(sessionID string, sink sessionmgr.Sink) types.Session
	Register(ctx context.Context, sessionID string) error
	Subscribe(sessionID string, release func()) error
	Disconnect(ctx context.Context, sessionID string)
	Submit(ctx context.Context, sessionID string, job types.Job) (types.SubmissionAck, error)
}

type Options struct {
	Path         string
	CORSOrigins  []string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Server serves the peer protocol over socket.io.
type Server struct {
	coord    Coordinator
	verifier *auth.Verifier
	server   *socket.Server
	path     string
}

func NewServer(coord Coordinator, verifier *auth.Verifier, o Options) *Server {
	if o.Path == "" {
		o.Path = defaultSocketPath
	}

	opts := socket.DefaultServerOptions()
	opts.SetCors(&sockettypes.Cors{
		Origin:      corsOrigin(o.CORSOrigins),
		Credentials: false,
	})
	if o.PingInterval > 0 {
		opts.SetPingInterval(o.PingInterval)
	}
	if o.PingTimeout > 0 {
		opts.SetPingTimeout(o.PingTimeout)
	}
	opts.SetPath(o.Path)

	s := &Server{
		coord:    coord,
		verifier: verifier,
		server:   socket.NewServer(nil, opts),
		path:     o.Path,
	}
	s.server.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		s.handleConnection(client)
	})
	return s
}

func corsOrigin(origins []string) any {
	switch len(origins) {
	case 0:
		return "*"
	case 1:
		return origins[0]
	default:
		return origins
	}
}

// Path is where the handler must be mounted.
func (s *Server) Path() string {
	return s.path
}

// Handler returns the HTTP handler serving socket.io requests.
func (s *Server) Handler() http.Handler {
	return s.server.ServeHandler(nil)
}

func (s *Server) Close() {
	s.server.Close(nil)
}

func (s *Server) handleConnection(client *socket.Socket) {
	sessionID := string(client.Id())
	klog.Infof("Peer connected (socket %s)", sessionID)

	if err := s.authenticate(client.Handshake().Auth); err != nil {
		klog.Warningf("Peer handshake rejected (socket %s): %v", sessionID, err)
		_ = client.Emit(EventError, map[string]string{"message": "Invalid authentication token"})
		client.Disconnect(true)
		return
	}

	sink := newSocketSink(client)
	s.coord.Connect(sessionID, sink)
	if err := s.coord.Subscribe(sessionID, sink.close); err != nil {
		klog.Errorf("Failed to subscribe socket %s: %v", sessionID, err)
	}

	// A peer retries registration, e.g. after the slot was held by another session.
	client.On(EventRegister, func(data ...any) {
		go s.registerRequest(context.Background(), sessionID, client, data)
	})
	client.On(EventOffload, func(data ...any) {
		s.offload(context.Background(), sessionID, client, data)
	})
	client.On(EventDisconnect, func(data ...any) {
		reason := ""
		if len(data) > 0 {
			reason, _ = data[0].(string)
		}
		klog.Infof("Peer disconnected (socket %s, reason: %s)", sessionID, reason)
		s.coord.Disconnect(context.Background(), sessionID)
	})

	// Registration waits on the execution worker; keep the connection
	// callback free.
	go func() { _ = s.register(context.Background(), sessionID, client) }()
}

func (s *Server) authenticate(handshakeAuth any) error {
	if !s.verifier.Enabled() {
		return nil
	}
	var payload struct {
		Token string `json:"token"`
	}
	if handshakeAuth != nil {
		if err := decodeAny(handshakeAuth, &payload); err != nil {
			return err
		}
	}
	_, err := s.verifier.Verify(payload.Token)
	return err
}

func (s *Server) register(ctx context.Context, sessionID string, em emitter) error {
	err := s.coord.Register(ctx, sessionID)
	if err != nil {
		klog.Warningf("Registration of socket %s failed: %v", sessionID, err)
		_ = em.Emit(EventRegistered, false)
		_ = em.Emit(EventError, errorPayload(err))
		return err
	}
	_ = em.Emit(EventRegistered, true)
	return nil
}

// registerRequest handles an explicit register event and answers its
// callback with the outcome.
func (s *Server) registerRequest(ctx context.Context, sessionID string, em emitter, data []any) {
	_, ack := firstWithAck(data)
	err := s.register(ctx, sessionID, em)
	if ack == nil {
		return
	}
	if err != nil {
		ack(false, errorPayload(err))
		return
	}
	ack(true, nil)
}

// offload handles one offload event. Success, including the peer's
// callback, is reported by the session sink when the job is acknowledged;
// failures are reported here.
func (s *Server) offload(ctx context.Context, sessionID string, em emitter, data []any) {
	raw, ack := firstWithAck(data)

	job, err := decodeJob(raw)
	if err == nil {
		if _, err = s.coord.Submit(withAck(ctx, ack), sessionID, job); err == nil {
			return
		}
	}

	klog.V(2).Infof("Offload from socket %s failed: %v", sessionID, err)
	payload := errorPayload(err)
	_ = em.Emit(EventOffloaded, payload, nil)
	if ack != nil {
		ack(payload, nil)
	}
}

func successPayload(ack types.SubmissionAck) map[string]any {
	return map[string]any{"status": "success", "jobId": ack.JobID}
}

func errorPayload(err error) map[string]any {
	code := api.Code(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	return map[string]any{"code": code, "message": err.Error()}
}
