package mux

import "errors"

var (
	// ErrProcessStart means the worker process of a Multiplexer could not be started.
	// It is returned to every user of that Multiplexer.
	ErrProcessStart = errors.New("worker process failed to start")
	// ErrWrite means a request could not be written to the worker. Only the issuing caller sees it.
	ErrWrite = errors.New("writing request to worker")
	// ErrBrokenPipe means the shared stream with the worker is unusable, or the Multiplexer was destroyed.
	ErrBrokenPipe = errors.New("broken pipe to worker")
	// ErrMalformedResponse means the worker answered a request with a response that could not be parsed.
	ErrMalformedResponse = errors.New("malformed worker response")
	// ErrDuplicateID means a request id is already pending on the Multiplexer.
	ErrDuplicateID = errors.New("request id already pending")
	// ErrDoubleRelease means a Multiplexer was released more often than it was acquired.
	ErrDoubleRelease = errors.New("worker released twice")
	// ErrClosed means the Proxy was destroyed.
	ErrClosed = errors.New("worker proxy destroyed")
)
