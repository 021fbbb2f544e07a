package mux

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RegistryOption func(r *Registry)

func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = l.Sugar().Named(loggerName)
	}
}

// WithStarter replaces how worker processes are started. Defaults to StartProcess.
func WithStarter(s Starter) RegistryOption {
	return func(r *Registry) {
		r.start = s
	}
}

// WithShutdownHooks makes every Proxy created by the Registry destroy itself when hooks run.
func WithShutdownHooks(h *Hooks) RegistryOption {
	return func(r *Registry) {
		r.hooks = h
	}
}

// Registry maps Keys to live Multiplexers and counts their users.
type Registry struct {
	log   *zap.SugaredLogger
	start Starter
	hooks *Hooks

	mu     sync.Mutex
	muxes  map[uuid.UUID]*Multiplexer
	closed bool
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:   defaultLogger,
		start: StartProcess,
		muxes: map[uuid.UUID]*Multiplexer{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Acquire returns the Multiplexer for key, creating it if needed, and counts one more user of it.
// A Multiplexer whose stream has broken is replaced by a fresh one; the broken one is destroyed once its
// remaining users release it.
func (r *Registry) Acquire(key Key) (*Multiplexer, error) {
	id := key.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: registry is closed", ErrBrokenPipe)
	}

	m, ok := r.muxes[id]
	if ok && m.Failed() {
		r.log.Debugw("replacing failed multiplexer", "Worker", key.String(), "Refs", m.refs)
		delete(r.muxes, id)
		ok = false
	}
	if !ok {
		m = newMultiplexer(r.log, key, r.start)
		r.muxes[id] = m
		r.log.Debugw("created multiplexer", "Worker", key.String(), "Instance", m.instance.String())
	}
	m.refs++
	return m, nil
}

// Release counts one user of the Multiplexer currently mapped for key less. The last Release destroys it.
// Once a failed Multiplexer has been replaced, Release(key) applies to the replacement, so callers holding
// on to the Multiplexer returned by Acquire should release it with ReleaseMultiplexer.
func (r *Registry) Release(key Key) error {
	r.mu.Lock()
	m := r.muxes[key.ID()]
	r.mu.Unlock()
	if m == nil {
		r.log.Warnw("releasing worker that is not acquired", "Worker", key.String())
		return fmt.Errorf("%w: %s", ErrDoubleRelease, key)
	}
	return r.release(m)
}

// ReleaseMultiplexer counts one user of m less, even if m has since been replaced for its key.
func (r *Registry) ReleaseMultiplexer(m *Multiplexer) error {
	return r.release(m)
}

// release decrements m's count and, at zero, removes and destroys it in the same critical section,
// so a concurrent Acquire either sees the live Multiplexer or creates a new one.
func (r *Registry) release(m *Multiplexer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if m.refs <= 0 {
		r.log.Warnw("releasing worker more often than it was acquired", "Worker", m.key.String(), "Instance", m.instance.String())
		return fmt.Errorf("%w: %s", ErrDoubleRelease, m.key)
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}
	id := m.key.ID()
	if r.muxes[id] == m {
		delete(r.muxes, id)
	}
	r.log.Debugw("destroying multiplexer", "Worker", m.key.String(), "Instance", m.instance.String())
	m.destroy()
	return nil
}

// NewProxy acquires the Multiplexer for key and returns a new Proxy using it.
func (r *Registry) NewProxy(key Key, opts ...ProxyOption) (*Proxy, error) {
	m, err := r.Acquire(key)
	if err != nil {
		return nil, err
	}
	return newProxy(r, m, opts...), nil
}

// Snapshot returns the status of every live Multiplexer, ordered by key.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	statuses := make([]Status, 0, len(r.muxes))
	for _, m := range r.muxes {
		statuses = append(statuses, m.status(m.refs))
	}
	r.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Key < statuses[j].Key })
	return statuses
}

// Close destroys every Multiplexer regardless of its users. Later Acquires fail and Releases are no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, m := range r.muxes {
		delete(r.muxes, id)
		m.destroy()
	}
	r.log.Debug("registry closed")
}
