// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Registry enforces a single in-flight transfer per target
type Registry struct {
	mu      sync.Mutex
	active  map[string]*Handle
	opts    []Option
	entropy io.Reader
	now     func() time.Time
}

// Handle is a registered session. Calls on a Handle must be serialized by
// the caller in the same way as calls on its Session. The registry never
// inspects the session itself.
type Handle struct {
	ID      ulid.ULID
	Target  string
	Session *Session

	// Initial holds the effects returned by Session.Start. It is set before
	// Registry.Start returns.
	Initial Effects

	reg *Registry
}

// NewRegistry creates a registry whose sessions are built with opts
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		active:  make(map[string]*Handle),
		opts:    opts,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Start creates and starts a session for target. opts are applied after the
// registry's own options. It fails with ErrSessionAlreadyActive while another
// session for target is not terminal. Subscribers see the first status
// update without the registry locked, so they may call back into it.
func (r *Registry) Start(target string, img *Image, mtuHint uint32, opts ...Option) (*Handle, error) {
	h, err := r.reserve(target, opts)
	if err != nil {
		return nil, err
	}

	eff, err := h.Session.Start(img, mtuHint)
	if err != nil {
		r.release(h)
		return nil, err
	}
	h.Initial = eff
	return h, nil
}

// reserve registers an idle session for target
func (r *Registry) reserve(target string, opts []Option) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.active[target]; ok {
		return nil, newError(KindSessionAlreadyActive, PhaseIdle, "target %q busy with session %s", target, h.ID)
	}

	id, err := ulid.New(ulid.Timestamp(r.now()), r.entropy)
	if err != nil {
		return nil, err
	}

	all := make([]Option, 0, len(r.opts)+len(opts)+1)
	all = append(all, r.opts...)
	all = append(all, WithID(id.String()))
	all = append(all, opts...)

	h := &Handle{ID: id, Target: target, Session: NewSession(all...), reg: r}
	r.active[target] = h
	return h, nil
}

// Active returns the session registered for target
func (r *Registry) Active(target string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.active[target]
	return h, ok
}

// Abort aborts the session behind h and releases its target
func (r *Registry) Abort(h *Handle) Effects {
	eff := h.Session.Abort()
	r.release(h)
	return eff
}

// HandleEvent forwards ev to the session and releases the target once the
// session is terminal
func (h *Handle) HandleEvent(ev Event) Effects {
	eff := h.Session.HandleEvent(ev)
	if eff.Done {
		h.reg.release(h)
	}
	return eff
}

// Release frees h's target. Handle.HandleEvent and Abort call it once the
// session is terminal; callers driving h.Session directly must call it
// themselves.
func (r *Registry) Release(h *Handle) {
	r.release(h)
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.active[h.Target]; ok && cur == h {
		delete(r.active, h.Target)
	}
}
