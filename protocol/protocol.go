package protocol

import (
	"errors"
	"fmt"
	"io"
)

// WorkRequest is a single unit of work sent to a worker.
type WorkRequest struct {
	Arguments  []string `json:"arguments,omitempty"`
	Inputs     []Input  `json:"inputs,omitempty"`
	RequestID  int      `json:"requestId"`
	Cancel     bool     `json:"cancel,omitempty"`
	Verbosity  int      `json:"verbosity,omitempty"`
	SandboxDir string   `json:"sandboxDir,omitempty"`
}

// WorkResponse is the worker's answer to the WorkRequest with the same RequestID.
type WorkResponse struct {
	ExitCode     int    `json:"exitCode"`
	Output       string `json:"output"`
	RequestID    int    `json:"requestId"`
	WasCancelled bool   `json:"wasCancelled,omitempty"`
}

// Input is an input file of a request, with its content digest.
type Input struct {
	Path   string `json:"path"`
	Digest string `json:"digest,omitempty"`
}

// maxMessageSize bounds a single framed message, so a corrupted length prefix does not turn into a huge allocation.
const maxMessageSize = 256 << 20

// Codec frames messages of one encoding.
//
// The client side (WriteRequest, NewResponseReader) is what a multiplexer uses: it only needs to stamp and extract request ids.
// The server side (NewRequestReader, WriteResponse) is what a worker process uses.
type Codec interface {
	Name() string

	// WriteRequest writes body, an encoded WorkRequest, with its requestId set to id.
	// An empty body is a request with no other fields set.
	WriteRequest(w io.Writer, id int, body []byte) error
	NewResponseReader(r io.Reader) ResponseReader

	NewRequestReader(r io.Reader) RequestReader
	WriteResponse(w io.Writer, resp *WorkResponse) error

	MarshalRequest(req *WorkRequest) ([]byte, error)
	UnmarshalResponse(b []byte, resp *WorkResponse) error
}

// ResponseReader reads responses from a worker's output stream.
type ResponseReader interface {
	// ReadResponse returns the next response's requestId and its encoded body.
	// A *FrameError means the frame was consumed completely and the stream is still usable.
	// Any other error means the stream is unusable.
	ReadResponse() (id int, body []byte, err error)
}

// RequestReader reads requests from a worker's input stream.
type RequestReader interface {
	ReadRequest() (*WorkRequest, error)
}

var ErrUnknownCodec = errors.New("unknown protocol")

// FrameError reports a message that was read in full but could not be interpreted.
type FrameError struct {
	// ID is the request id of the message, valid only if HasID is set.
	ID    int
	HasID bool
	Err   error
}

func (e *FrameError) Error() string {
	if e.HasID {
		return fmt.Sprintf("malformed response for request %d: %s", e.ID, e.Err)
	}
	return fmt.Sprintf("malformed response: %s", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Lookup returns the codec with the given name. The empty name selects Proto, which is Bazel's default.
func Lookup(name string) (Codec, error) {
	switch name {
	case "", Proto.Name():
		return Proto, nil
	case JSON.Name():
		return JSON, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCodec, name)
	}
}
