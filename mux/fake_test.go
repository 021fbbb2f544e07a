package mux

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/guseggert/workermux/protocol"
	"go.uber.org/zap"
)

var testLog = zap.NewNop()

// fakeProcess is an in-memory worker process. Its behavior is a serve function that reads requests from
// the stdin pipe and writes responses to the stdout pipe.
type fakeProcess struct {
	pid   int
	codec protocol.Codec

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	done          chan struct{}
	terminateOnce sync.Once
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) PID() int              { return p.pid }

func (p *fakeProcess) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Terminate() error {
	p.terminateOnce.Do(func() {
		p.stdinW.Close()
		p.stdinR.Close()
		p.stdoutW.Close()
		close(p.done)
	})
	return nil
}

func (p *fakeProcess) requests() protocol.RequestReader {
	return p.codec.NewRequestReader(p.stdinR)
}

func (p *fakeProcess) respond(resp *protocol.WorkResponse) error {
	return p.codec.WriteResponse(p.stdoutW, resp)
}

// exit simulates the process exiting on its own.
func (p *fakeProcess) exit() {
	p.Terminate()
}

// fakeStarter starts fakeProcesses and remembers them.
type fakeStarter struct {
	serve func(p *fakeProcess)
	err   error

	calls atomic.Int32

	mu    sync.Mutex
	procs []*fakeProcess
}

func (s *fakeStarter) start(log *zap.SugaredLogger, key Key, workDir, logFile string) (Process, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	codec, err := protocol.Lookup(key.Protocol)
	if err != nil {
		return nil, err
	}
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &fakeProcess{
		pid:     1000 + int(n),
		codec:   codec,
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	serve := s.serve
	if serve == nil {
		serve = serveEcho
	}
	go serve(p)
	return p, nil
}

func (s *fakeStarter) processes() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

// serveEcho answers every request with its arguments joined by spaces.
func serveEcho(p *fakeProcess) {
	echoRequests(p, p.requests())
}

func echoRequests(p *fakeProcess, reqs protocol.RequestReader) {
	for {
		req, err := reqs.ReadRequest()
		if err != nil {
			return
		}
		err = p.respond(&protocol.WorkResponse{
			RequestID: req.RequestID,
			Output:    strings.Join(req.Arguments, " "),
		})
		if err != nil {
			return
		}
	}
}

// serveBatches waits for n requests, then answers them in reverse order of arrival.
func serveBatches(n int) func(p *fakeProcess) {
	return func(p *fakeProcess) {
		reqs := p.requests()
		for {
			var batch []*protocol.WorkRequest
			for len(batch) < n {
				req, err := reqs.ReadRequest()
				if err != nil {
					return
				}
				batch = append(batch, req)
			}
			for i := len(batch) - 1; i >= 0; i-- {
				err := p.respond(&protocol.WorkResponse{
					RequestID: batch[i].RequestID,
					Output:    strings.Join(batch[i].Arguments, " "),
				})
				if err != nil {
					return
				}
			}
		}
	}
}

// serveThenExit reads n requests without answering them, then exits.
func serveThenExit(n int) func(p *fakeProcess) {
	return func(p *fakeProcess) {
		reqs := p.requests()
		for i := 0; i < n; i++ {
			if _, err := reqs.ReadRequest(); err != nil {
				return
			}
		}
		p.exit()
	}
}

// serveSilently reads requests and never answers.
func serveSilently(p *fakeProcess) {
	io.Copy(io.Discard, p.stdinR)
}
