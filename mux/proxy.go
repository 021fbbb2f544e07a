package mux

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type ProxyOption func(p *Proxy)

// WithWorkDir sets the working directory the worker process is started in, if this Proxy is the one starting it.
func WithWorkDir(dir string) ProxyOption {
	return func(p *Proxy) {
		p.workDir = dir
	}
}

// WithLogFile sets the file the worker's stderr is appended to, if this Proxy is the one starting it.
func WithLogFile(path string) ProxyOption {
	return func(p *Proxy) {
		p.logFile = path
	}
}

// Proxy is one caller's view of a shared worker. It has at most one request in flight.
type Proxy struct {
	log      *zap.SugaredLogger
	registry *Registry
	mux      *Multiplexer
	id       int
	workDir  string
	logFile  string

	hooks  *Hooks
	hookID int

	mu        sync.Mutex
	request   bytes.Buffer
	destroyed bool
}

func newProxy(r *Registry, m *Multiplexer, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		registry: r,
		mux:      m,
		id:       m.newHandleID(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = m.log.Named("proxy").With("ProxyID", p.id)
	if r.hooks != nil {
		p.hooks = r.hooks
		p.hookID = r.hooks.Add(func() { p.destroy(true) })
	}
	return p
}

// ID is the request id of this Proxy's requests. It is unique within its Multiplexer.
func (p *Proxy) ID() int { return p.id }

func (p *Proxy) Key() Key { return p.mux.key }

// Write appends to the pending request.
func (p *Proxy) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return 0, ErrClosed
	}
	return p.request.Write(b)
}

// CreateProcess starts the shared worker process if no Proxy has started it yet.
func (p *Proxy) CreateProcess() error {
	return p.mux.CreateProcess(p.workDir, p.logFile)
}

// RoundTrip sends the pending request to the worker and waits for the response carrying this Proxy's id.
// The pending request is cleared whether or not the round trip succeeds.
//
// On failure the response is nil and the error wraps one of ErrProcessStart, ErrWrite, ErrBrokenPipe,
// ErrMalformedResponse or ErrDuplicateID. If ctx is done first, the error wraps ErrBrokenPipe and ctx.Err(),
// and a late response is discarded.
func (p *Proxy) RoundTrip(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	req := bytes.Clone(p.request.Bytes())
	p.request.Reset()
	p.mu.Unlock()

	resp, err := p.roundTrip(ctx, req)
	if err != nil {
		p.log.Warnw("round trip failed", "Error", err)
		return nil, err
	}
	return resp, nil
}

func (p *Proxy) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	err := p.CreateProcess()
	if err != nil {
		return nil, err
	}
	w, err := p.mux.registerWaiter(p.id)
	if err != nil {
		return nil, err
	}
	err = p.mux.send(p.id, req)
	if err != nil {
		p.mux.table.remove(w)
		return nil, err
	}
	return p.mux.await(ctx, w)
}

// IsAlive reports whether the shared worker process is running and its stream is intact.
func (p *Proxy) IsAlive() bool {
	return p.mux.IsProcessAlive() && !p.mux.Failed()
}

// Destroy releases this Proxy's share of the worker. Calling it more than once has no further effect.
func (p *Proxy) Destroy() error {
	return p.destroy(false)
}

func (p *Proxy) destroy(fromHook bool) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.request.Reset()
	p.mu.Unlock()

	if p.hooks != nil && !fromHook {
		p.hooks.Remove(p.hookID)
	}
	err := p.registry.release(p.mux)
	if err != nil {
		return fmt.Errorf("destroying proxy %d: %w", p.id, err)
	}
	p.log.Debug("destroyed")
	return nil
}
