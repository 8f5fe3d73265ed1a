package sessionmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/common/types"
	"github.com/mecanywhere/offloadd/pkg/metrics"
)

// Registry tracks connected sessions and owns the single registration slot.
type Registry struct {
	surface Surface
	hooks   Hooks

	mu       sync.Mutex
	sessions map[string]*entry
	slot     slot

	// notifyMu is taken before mu is released so hooks observe transitions in order.
	notifyMu sync.Mutex
}

// New returns a Registry that synchronizes registration with surface.
func New(surface Surface, hooks Hooks) *Registry {
	return &Registry{
		surface:  surface,
		hooks:    hooks,
		sessions: make(map[string]*entry),
	}
}

// OnConnect records a new unregistered session. Connecting a known id returns
// the existing session unchanged.
func (r *Registry) OnConnect(sessionID string, sink Sink) types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[sessionID]; ok {
		return e.session
	}
	e := &entry{
		session: types.Session{
			ID:          sessionID,
			Status:      types.SessionUnregistered,
			ConnectedAt: time.Now(),
		},
		sink: sink,
	}
	r.sessions[sessionID] = e
	klog.V(2).Infof("Session %s connected", sessionID)
	return e.session
}

// Register claims the registration slot for the session and waits for the
// execution surface to accept it. A slot held by any other session fails with
// AlreadyRegistered; the current holder is never evicted.
func (r *Registry) Register(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; !ok {
		r.mu.Unlock()
		return api.NewNotConnectedError(sessionID)
	}
	switch {
	case r.slot.state == slotRegistered && r.slot.holder == sessionID:
		r.mu.Unlock()
		return nil
	case r.slot.state != slotFree:
		held := r.slot
		r.mu.Unlock()
		metrics.Registrations.WithLabelValues("conflict").Inc()
		klog.Warningf("Rejecting registration of session %s: slot %s by %s", sessionID, held.state, held.holder)
		return api.NewAlreadyRegisteredError(sessionID, held.holder)
	}
	r.slot = slot{state: slotPending, holder: sessionID}
	r.mu.Unlock()

	accepted, err := r.surface.RequestRegistration(ctx, sessionID)

	r.mu.Lock()
	e, connected := r.sessions[sessionID]
	if !connected || r.slot.state != slotPending || r.slot.holder != sessionID {
		// The session went away while the request was outstanding.
		r.mu.Unlock()
		if err == nil && accepted {
			if derr := r.surface.Deregister(context.WithoutCancel(ctx), sessionID); derr != nil {
				klog.Errorf("Failed to deregister session %s after disconnect during registration: %v", sessionID, derr)
			}
		}
		metrics.Registrations.WithLabelValues("abandoned").Inc()
		return api.NewNotConnectedError(sessionID)
	}
	if err != nil || !accepted {
		r.slot = slot{}
		r.mu.Unlock()
		metrics.Registrations.WithLabelValues("rejected").Inc()
		if err != nil {
			klog.Errorf("Registration request for session %s failed: %v", sessionID, err)
			return fmt.Errorf("registration request for session %s failed: %w", sessionID, err)
		}
		klog.Warningf("Execution surface declined registration of session %s", sessionID)
		return api.NewNotRegisteredError(sessionID)
	}

	r.slot.state = slotRegistered
	e.session.Status = types.SessionRegistered
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	metrics.Registrations.WithLabelValues("success").Inc()
	metrics.RegisteredSessions.Set(1)
	klog.Infof("Session %s registered", sessionID)
	if r.hooks.OnRegistered != nil {
		r.hooks.OnRegistered(sessionID)
	}
	return nil
}

// OnDisconnect destroys the session. A registered session is deregistered
// exactly once, and every subscription it holds is released. Unknown ids are
// ignored.
func (r *Registry) OnDisconnect(ctx context.Context, sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)

	wasRegistered := false
	if r.slot.holder == sessionID {
		switch r.slot.state {
		case slotRegistered:
			wasRegistered = true
			r.slot.state = slotReleasing
		case slotPending:
			r.slot = slot{}
		}
	}
	releases := e.releases
	e.releases = nil
	r.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
	klog.V(2).Infof("Session %s disconnected, released %d subscriptions", sessionID, len(releases))

	if !wasRegistered {
		return
	}

	if err := r.surface.Deregister(ctx, sessionID); err != nil {
		klog.Errorf("Failed to notify execution surface about deregistration of session %s: %v", sessionID, err)
	}

	r.mu.Lock()
	r.slot = slot{}
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	metrics.RegisteredSessions.Set(0)
	klog.Infof("Session %s deregistered", sessionID)
	if r.hooks.OnDeregistered != nil {
		r.hooks.OnDeregistered(sessionID)
	}
}

// SurfaceLost frees a registered slot after the execution surface went away.
// The session stays connected but unregistered, and nothing is sent to the
// surface. It returns the former holder.
func (r *Registry) SurfaceLost() (string, bool) {
	r.mu.Lock()
	if r.slot.state != slotRegistered {
		r.mu.Unlock()
		return "", false
	}
	holder := r.slot.holder
	r.slot = slot{}
	if e, ok := r.sessions[holder]; ok {
		e.session.Status = types.SessionUnregistered
	}
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	metrics.RegisteredSessions.Set(0)
	klog.Warningf("Session %s lost its registration: execution surface disconnected", holder)
	if r.hooks.OnDeregistered != nil {
		r.hooks.OnDeregistered(holder)
	}
	return holder, true
}

// Subscribe ties release to the session's lifetime; it runs on disconnect.
func (r *Registry) Subscribe(sessionID string, release func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return api.NewNotConnectedError(sessionID)
	}
	e.releases = append(e.releases, release)
	return nil
}

// IsRegistered reports whether the session currently holds the registration.
func (r *Registry) IsRegistered(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot.state == slotRegistered && r.slot.holder == sessionID
}

// Registered returns the registered session id, if any.
func (r *Registry) Registered() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slot.state != slotRegistered {
		return "", false
	}
	return r.slot.holder, true
}

// Sink returns the delivery endpoint of a connected session.
func (r *Registry) Sink(sessionID string) (Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok || e.sink == nil {
		return nil, false
	}
	return e.sink, true
}

func (r *Registry) Session(sessionID string) (types.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return types.Session{}, false
	}
	return e.session, true
}

// Sessions lists connected sessions ordered by connect time.
func (r *Registry) Sessions() []types.Session {
	r.mu.Lock()
	out := make([]types.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
