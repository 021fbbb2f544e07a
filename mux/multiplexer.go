package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/guseggert/workermux/mux/process"
	"github.com/guseggert/workermux/protocol"
	"go.uber.org/zap"
)

// Process is the external worker process as seen by a Multiplexer.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	PID() int
	IsAlive() bool
	// Terminate stops the process without waiting for it to exit.
	Terminate() error
}

// Starter starts the worker process for key.
type Starter func(log *zap.SugaredLogger, key Key, workDir, logFile string) (Process, error)

// StartProcess is the default Starter, which runs key.Command as a local OS process.
func StartProcess(log *zap.SugaredLogger, key Key, workDir, logFile string) (Process, error) {
	h, err := process.Start(log, process.Spec{
		Command: key.Command,
		Args:    key.Args,
		Env:     key.environ(),
		Dir:     workDir,
		LogFile: logFile,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Multiplexer shares one worker process among all Proxies of a Key.
type Multiplexer struct {
	log      *zap.SugaredLogger
	key      Key
	instance uuid.UUID
	codec    protocol.Codec
	start    Starter
	table    *table

	// refs is guarded by the Registry's mutex.
	refs int

	lastHandleID atomic.Int32

	mu        sync.Mutex
	proc      Process
	startErr  error
	destroyed bool

	writeMu sync.Mutex

	failed atomic.Bool
}

func newMultiplexer(log *zap.SugaredLogger, key Key, start Starter) *Multiplexer {
	instance := uuid.New()
	m := &Multiplexer{
		log:      log.Named("multiplexer").With("Worker", key.String(), "Instance", instance.String()),
		key:      key,
		instance: instance,
		start:    start,
		table:    newTable(),
	}
	codec, err := protocol.Lookup(key.Protocol)
	if err != nil {
		m.startErr = fmt.Errorf("%w: %s: %w", ErrProcessStart, key, err)
	}
	m.codec = codec
	return m
}

func (m *Multiplexer) Key() Key { return m.key }

// Instance distinguishes this Multiplexer from earlier and later ones with the same Key.
func (m *Multiplexer) Instance() uuid.UUID { return m.instance }

func (m *Multiplexer) newHandleID() int {
	return int(m.lastHandleID.Add(1))
}

// CreateProcess starts the worker process if it is not running yet.
// It is safe to call from many Proxies: the first call starts the process, the others observe it.
// A start failure is remembered and returned to every later caller.
func (m *Multiplexer) CreateProcess(workDir, logFile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	if m.destroyed || m.failed.Load() {
		return fmt.Errorf("%w: %s is no longer usable", ErrBrokenPipe, m.key)
	}
	if m.proc != nil {
		return nil
	}

	proc, err := m.start(m.log, m.key, workDir, logFile)
	if err != nil {
		m.startErr = fmt.Errorf("%w: %s: %w", ErrProcessStart, m.key, err)
		m.log.Warnw("worker process failed to start", "LogFile", logFile, "Error", err)
		m.table.failAll(m.startErr)
		return m.startErr
	}
	m.proc = proc
	m.log.Debugw("worker process started", "PID", proc.PID(), "WorkDir", workDir, "LogFile", logFile)

	go m.readResponses(proc)
	return nil
}

// IsProcessAlive reports whether the worker process has been started and is still running.
func (m *Multiplexer) IsProcessAlive() bool {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	return proc != nil && proc.IsAlive()
}

// Failed reports whether the shared stream broke or the Multiplexer was destroyed.
func (m *Multiplexer) Failed() bool {
	return m.failed.Load()
}

// registerWaiter must be called before the request is sent, so a response arriving immediately finds its waiter.
func (m *Multiplexer) registerWaiter(id int) (*waiter, error) {
	return m.table.register(id)
}

func (m *Multiplexer) await(ctx context.Context, w *waiter) ([]byte, error) {
	body, err := m.table.wait(ctx, w)
	if ctxErr := ctx.Err(); err != nil && errors.Is(err, ctxErr) {
		return nil, fmt.Errorf("%w: gave up waiting for request %d: %w", ErrBrokenPipe, w.id, err)
	}
	return body, err
}

// send writes one request to the worker. Requests of concurrent callers never interleave.
func (m *Multiplexer) send(id int, body []byte) error {
	if m.failed.Load() {
		return fmt.Errorf("%w: %s is no longer usable", ErrBrokenPipe, m.key)
	}

	var buf bytes.Buffer
	err := m.codec.WriteRequest(&buf, id, body)
	if err != nil {
		return fmt.Errorf("%w: encoding request %d: %w", ErrWrite, id, err)
	}

	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("%w: worker process of %s is not started", ErrWrite, m.key)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err = proc.Stdin().Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("%w: request %d: %w", ErrWrite, id, err)
	}
	m.log.Debugf("sent request %d (%d bytes)", id, buf.Len())
	return nil
}

// readResponses runs for the lifetime of the process, routing every response to its waiter.
func (m *Multiplexer) readResponses(proc Process) {
	responses := m.codec.NewResponseReader(proc.Stdout())
	for {
		id, body, err := responses.ReadResponse()
		if err != nil {
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) && frameErr.HasID {
				m.log.Warnw("malformed response", "RequestID", frameErr.ID, "Error", frameErr.Err)
				m.table.fail(frameErr.ID, fmt.Errorf("%w: %w", ErrMalformedResponse, frameErr))
				continue
			}
			// the stream ended or a response cannot be routed to its caller
			m.fail(fmt.Errorf("%w: reading responses: %w", ErrBrokenPipe, err))
			if err := proc.Terminate(); err != nil {
				m.log.Debugf("error terminating worker process: %s", err)
			}
			return
		}
		if !m.table.deliver(id, body) {
			m.log.Warnw("discarding response for unknown request", "RequestID", id)
			continue
		}
		m.log.Debugf("received response %d (%d bytes)", id, len(body))
	}
}

// fail marks the shared stream broken and unblocks every pending request.
func (m *Multiplexer) fail(err error) {
	m.failed.Store(true)

	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		m.log.Debugw("response reader stopped", "Error", err)
	} else {
		m.log.Warnw("worker stream broke, failing pending requests", "Pending", m.table.pending(), "Error", err)
	}
	m.table.failAll(err)
}

// destroy terminates the worker process and fails every pending request. It does not wait for the process to exit.
func (m *Multiplexer) destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	proc := m.proc
	m.mu.Unlock()

	m.failed.Store(true)
	m.table.failAll(fmt.Errorf("%w: %s was destroyed", ErrBrokenPipe, m.key))
	if proc == nil {
		m.log.Debug("destroyed multiplexer without a process")
		return
	}
	m.log.Debugw("terminating worker process", "PID", proc.PID())
	err := proc.Terminate()
	if err != nil {
		m.log.Debugf("error terminating worker process: %s", err)
	}
}

// Status is a point-in-time view of a Multiplexer.
type Status struct {
	Key      string    `json:"key"`
	Mnemonic string    `json:"mnemonic"`
	Instance uuid.UUID `json:"instance"`
	Refs     int       `json:"refs"`
	PID      int       `json:"pid,omitempty"`
	Alive    bool      `json:"alive"`
	Failed   bool      `json:"failed"`
	Pending  int       `json:"pending"`
}

func (m *Multiplexer) status(refs int) Status {
	s := Status{
		Key:      m.key.String(),
		Mnemonic: m.key.Mnemonic,
		Instance: m.instance,
		Refs:     refs,
		Failed:   m.failed.Load(),
		Pending:  m.table.pending(),
	}
	m.mu.Lock()
	if m.proc != nil {
		s.PID = m.proc.PID()
		s.Alive = m.proc.IsAlive()
	}
	m.mu.Unlock()
	return s
}
