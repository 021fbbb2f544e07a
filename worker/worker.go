package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/guseggert/workermux/protocol"
	"go.uber.org/zap"
)

// Worker is the process side of the persistent worker protocol. It handles requests concurrently and
// writes each response as soon as it is ready, so responses are generally not in request order.
type Worker struct {
	log        *zap.SugaredLogger
	handler    Handler
	codec      protocol.Codec
	maxWorkers int
	input      io.Reader
	output     io.Writer

	requestsMu sync.Mutex
	// requests maps the ids of in-flight requests to the cancel functions of their contexts
	requests map[int]context.CancelFunc
}

func NewWorker(handler Handler, opts ...Option) *Worker {
	w := &Worker{
		log:        zap.NewNop().Sugar(),
		handler:    handler,
		codec:      protocol.Proto,
		maxWorkers: runtime.NumCPU(),
		input:      os.Stdin,
		output:     os.Stdout,
		requests:   map[int]context.CancelFunc{},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run reads requests until the input is closed, then waits for in-flight requests and returns.
// Cancelling ctx cancels every in-flight request, but Run keeps reading until the input is closed.
func (w *Worker) Run(ctx context.Context) error {
	requests := w.codec.NewRequestReader(w.input)

	sem := make(chan struct{}, w.maxWorkers)
	var wg sync.WaitGroup

	responses := make(chan *protocol.WorkResponse, w.maxWorkers)
	writerDone := make(chan error, 1)
	go func() {
		var writeErr error
		for resp := range responses {
			if writeErr != nil {
				continue
			}
			writeErr = w.codec.WriteResponse(w.output, resp)
			if writeErr != nil {
				w.log.Warnf("error writing response %d, dropping further responses: %s", resp.RequestID, writeErr)
			}
		}
		writerDone <- writeErr
	}()

	finish := func(err error) error {
		wg.Wait()
		close(responses)
		writeErr := <-writerDone
		if err != nil {
			return err
		}
		if writeErr != nil {
			return fmt.Errorf("writing work response: %w", writeErr)
		}
		return nil
	}

	for {
		req, err := requests.ReadRequest()
		if errors.Is(err, io.EOF) {
			w.log.Debug("input closed, shutting down")
			return finish(nil)
		}
		if err != nil {
			return finish(fmt.Errorf("reading work request: %w", err))
		}

		if req.Cancel {
			w.cancel(req.RequestID)
			continue
		}

		w.requestsMu.Lock()
		_, dup := w.requests[req.RequestID]
		w.requestsMu.Unlock()
		if dup {
			w.log.Warnf("request %d is already in flight, rejecting the duplicate", req.RequestID)
			responses <- &protocol.WorkResponse{
				RequestID: req.RequestID,
				ExitCode:  1,
				Output:    fmt.Sprintf("request %d is already in flight", req.RequestID),
			}
			continue
		}

		reqCtx, cancel := context.WithCancel(ctx)
		w.requestsMu.Lock()
		w.requests[req.RequestID] = cancel
		w.requestsMu.Unlock()

		wg.Add(1)
		go func(req *protocol.WorkRequest) {
			defer wg.Done()
			defer func() {
				w.requestsMu.Lock()
				delete(w.requests, req.RequestID)
				w.requestsMu.Unlock()
				cancel()
			}()

			// the reader keeps going while requests queue here, so cancels for queued requests are seen
			select {
			case sem <- struct{}{}:
			case <-reqCtx.Done():
				w.log.Debugf("request %d cancelled before it started", req.RequestID)
				responses <- &protocol.WorkResponse{RequestID: req.RequestID, WasCancelled: true}
				return
			}
			defer func() { <-sem }()

			w.log.Debugw("handling request", "RequestID", req.RequestID, "Arguments", req.Arguments)
			resp := w.handler.HandleRequest(reqCtx, req)
			if resp == nil {
				resp = &protocol.WorkResponse{}
			}
			resp.RequestID = req.RequestID
			if reqCtx.Err() != nil {
				resp.WasCancelled = true
			}
			responses <- resp
		}(req)
	}
}

// cancel cancels the in-flight request with the given id. Requests that already finished are ignored.
func (w *Worker) cancel(id int) {
	w.requestsMu.Lock()
	defer w.requestsMu.Unlock()
	cancel, ok := w.requests[id]
	if !ok {
		w.log.Debugf("ignoring cancel for finished request %d", id)
		return
	}
	w.log.Debugf("cancelling request %d", id)
	cancel()
}
