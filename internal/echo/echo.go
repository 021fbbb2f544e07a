// Package echo is a multiplex-capable worker that answers every request with its arguments.
//
// A few arguments are directives instead of payload:
//
//	sleep=<duration>  wait before answering
//	exitcode=<n>      answer with exit code n
//	crash=<n>         exit the whole process with code n without answering
package echo

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/workermux/protocol"
	"github.com/guseggert/workermux/worker"
	"go.uber.org/zap"
)

func HandleRequest(ctx context.Context, req *protocol.WorkRequest) *protocol.WorkResponse {
	resp := &protocol.WorkResponse{}
	var words []string
	for _, arg := range req.Arguments {
		name, val, ok := strings.Cut(arg, "=")
		if !ok {
			words = append(words, arg)
			continue
		}
		switch name {
		case "sleep":
			d, err := time.ParseDuration(val)
			if err != nil {
				return &protocol.WorkResponse{ExitCode: 2, Output: fmt.Sprintf("bad sleep: %s", err)}
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return &protocol.WorkResponse{ExitCode: 1, Output: "cancelled"}
			}
		case "exitcode":
			n, err := strconv.Atoi(val)
			if err != nil {
				return &protocol.WorkResponse{ExitCode: 2, Output: fmt.Sprintf("bad exitcode: %s", err)}
			}
			resp.ExitCode = n
		case "crash":
			n, _ := strconv.Atoi(val)
			os.Exit(n)
		default:
			words = append(words, arg)
		}
	}
	resp.Output = strings.Join(words, " ")
	return resp
}

// Run serves requests on stdin and stdout until stdin is closed. opts are applied after the codec and logger.
func Run(ctx context.Context, log *zap.Logger, protocolName string, opts ...worker.Option) error {
	codec, err := protocol.Lookup(protocolName)
	if err != nil {
		return err
	}
	opts = append([]worker.Option{worker.WithCodec(codec), worker.WithLogger(log)}, opts...)
	w := worker.NewWorker(worker.HandlerFunc(HandleRequest), opts...)
	return w.Run(ctx)
}
