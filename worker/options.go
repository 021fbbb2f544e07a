package worker

import (
	"io"

	"github.com/guseggert/workermux/protocol"
	"go.uber.org/zap"
)

type Option func(*Worker)

// WithMaxWorkers bounds how many requests are handled at once. Defaults to runtime.NumCPU().
func WithMaxWorkers(max int) Option {
	return func(w *Worker) {
		if max > 0 {
			w.maxWorkers = max
		}
	}
}

// WithInput sets where requests are read from. Defaults to os.Stdin.
func WithInput(r io.Reader) Option {
	return func(w *Worker) {
		w.input = r
	}
}

// WithOutput sets where responses are written to. Defaults to os.Stdout.
func WithOutput(out io.Writer) Option {
	return func(w *Worker) {
		w.output = out
	}
}

// WithCodec sets the wire encoding. Defaults to protocol.Proto.
func WithCodec(c protocol.Codec) Option {
	return func(w *Worker) {
		w.codec = c
	}
}

// WithLogger sets the logger. A worker's stdout belongs to the protocol, so the logger must not write there.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		w.log = l.Sugar().Named("worker")
	}
}
