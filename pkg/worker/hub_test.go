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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/common/types"
)

func startHub(t *testing.T, token string) (*Hub, string) {
	t.Helper()
	hub := NewHub(token)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// fakeWorker is the execution worker side of the channel.
type fakeWorker struct {
	conn   *websocket.Conn
	frames chan Frame
}

func dialWorker(t *testing.T, hub *Hub, url, token string) *fakeWorker {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	w := &fakeWorker{conn: conn, frames: make(chan Frame, 16)}
	go func() {
		defer close(w.frames)
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			w.frames <- f
		}
	}()
	require.Eventually(t, hub.Connected, time.Second, 5*time.Millisecond)
	return w
}

func (w *fakeWorker) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f, ok := <-w.frames:
		require.True(t, ok, "worker connection closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func (w *fakeWorker) send(t *testing.T, f Frame) {
	t.Helper()
	require.NoError(t, w.conn.WriteJSON(f))
}

func TestHubRejectsBadToken(t *testing.T) {
	_, url := startHub(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer wrong"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubWithoutWorker(t *testing.T) {
	hub, _ := startHub(t, "")
	ctx := context.Background()

	_, err := hub.RequestRegistration(ctx, "S1")
	assert.ErrorIs(t, err, api.ErrWorkerUnavailable)
	assert.ErrorIs(t, hub.OffloadJob(ctx, "S1", types.Job{ID: "J1"}), api.ErrWorkerUnavailable)
	assert.ErrorIs(t, hub.Deregister(ctx, "S1"), api.ErrWorkerUnavailable)
}

func TestHubRegistration(t *testing.T) {
	hub, url := startHub(t, "secret")
	w := dialWorker(t, hub, url, "secret")
	ctx := context.Background()

	for _, accept := range []bool{true, false} {
		answer := make(chan bool, 1)
		go func() {
			ok, err := hub.RequestRegistration(ctx, "S1")
			assert.NoError(t, err)
			answer <- ok
		}()

		f := w.next(t)
		assert.Equal(t, FrameRegisterClient, f.Type)
		assert.Equal(t, "S1", f.SessionID)
		require.NotEmpty(t, f.RequestID)
		w.send(t, Frame{Type: FrameClientRegistered, RequestID: f.RequestID, Registered: ptr.To(accept)})

		select {
		case got := <-answer:
			assert.Equal(t, accept, got)
		case <-time.After(2 * time.Second):
			t.Fatal("registration did not complete")
		}
	}

	require.NoError(t, hub.Deregister(ctx, "S1"))
	f := w.next(t)
	assert.Equal(t, FrameDeregisterClient, f.Type)
	assert.Equal(t, "S1", f.SessionID)
}

func TestHubRegistrationContextTimeout(t *testing.T) {
	hub, url := startHub(t, "")
	dialWorker(t, hub, url, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := hub.RequestRegistration(ctx, "S1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubWorkerDisconnectFailsPending(t *testing.T) {
	hub, url := startHub(t, "")
	w := dialWorker(t, hub, url, "")

	errc := make(chan error, 1)
	go func() {
		_, err := hub.RequestRegistration(context.Background(), "S1")
		errc <- err
	}()
	w.next(t)
	require.NoError(t, w.conn.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, api.ErrWorkerUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("pending registration not released")
	}
	assert.Eventually(t, func() bool { return !hub.Connected() }, time.Second, 5*time.Millisecond)
}

func TestHubOffloadAndResults(t *testing.T) {
	hub, url := startHub(t, "")
	results := make(chan types.Result, 1)
	hub.SetResultHandler(func(_ context.Context, r types.Result) error {
		results <- r
		return nil
	})
	w := dialWorker(t, hub, url, "")

	job := types.Job{ID: "J1", ContainerRef: "img", Payload: json.RawMessage(`{"a":1}`), RequiredVariant: types.VariantGPU}
	require.NoError(t, hub.OffloadJob(context.Background(), "S1", job))

	f := w.next(t)
	assert.Equal(t, FrameOffloadJob, f.Type)
	assert.Equal(t, "S1", f.SessionID)
	require.NotNil(t, f.Job)
	assert.Equal(t, "J1", f.Job.ID)
	assert.Equal(t, "img", f.Job.ContainerRef)
	assert.JSONEq(t, `{"a":1}`, string(f.Job.Payload))
	assert.Equal(t, types.VariantGPU, f.Job.RequiredVariant)

	// The job id may come only on the frame.
	w.send(t, Frame{Type: FrameJobResults, ID: "J1", Result: &types.Result{Status: 200, Response: ptr.To("done"), TaskID: "t1"}})

	select {
	case r := <-results:
		assert.Equal(t, "J1", r.JobID)
		assert.Equal(t, 200, r.Status)
		assert.Equal(t, "done", *r.Response)
		assert.Equal(t, "t1", r.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("result not dispatched")
	}
}

func TestHubNewerWorkerReplacesOlder(t *testing.T) {
	hub, url := startHub(t, "")
	first := dialWorker(t, hub, url, "")
	second := dialWorker(t, hub, url, "")

	// The first connection is closed by the hub.
	select {
	case _, ok := <-first.frames:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("first worker still attached")
	}

	require.NoError(t, hub.OffloadJob(context.Background(), "S1", types.Job{ID: "J1"}))
	f := second.next(t)
	assert.Equal(t, "J1", f.Job.ID)
	assert.True(t, hub.Connected())
}

func TestHubConnectionHooks(t *testing.T) {
	hub, url := startHub(t, "")
	events := make(chan string, 8)
	hub.SetConnectionHooks(ConnectionHooks{
		OnAttach: func() { events <- "attach" },
		OnDetach: func() { events <- "detach" },
	})
	expect := func(want ...string) {
		t.Helper()
		for _, w := range want {
			select {
			case got := <-events:
				assert.Equal(t, w, got)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %s", w)
			}
		}
	}

	dialWorker(t, hub, url, "")
	expect("attach")

	second := dialWorker(t, hub, url, "")
	expect("detach", "attach")

	require.NoError(t, second.conn.Close())
	expect("detach")
	assert.Eventually(t, func() bool { return !hub.Connected() }, time.Second, 5*time.Millisecond)

	// The replaced worker's own teardown is not reported again.
	select {
	case got := <-events:
		t.Fatalf("unexpected %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}
