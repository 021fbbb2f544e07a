package worker

import (
	"context"

	"github.com/guseggert/workermux/protocol"
)

// Handler processes work requests. HandleRequest is called concurrently.
//
// ctx is cancelled when a cancel request for the work arrives or the Worker shuts down.
// Long-running handlers should watch ctx.Done() and return early; the Worker marks such responses as cancelled.
type Handler interface {
	HandleRequest(ctx context.Context, req *protocol.WorkRequest) *protocol.WorkResponse
}

type HandlerFunc func(context.Context, *protocol.WorkRequest) *protocol.WorkResponse

func (f HandlerFunc) HandleRequest(ctx context.Context, req *protocol.WorkRequest) *protocol.WorkResponse {
	return f(ctx, req)
}
