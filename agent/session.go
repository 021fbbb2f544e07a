package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/workermux/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit bounds a single session message. Worker requests and responses carry whole WorkRequests, so this is
// far above the WebSocket default.
const readLimit = 16 << 20

// workRequestMessage asks for one round trip of Body, an encoded WorkRequest, with the worker.
type workRequestMessage struct {
	Body []byte
	// TimeoutMS bounds the round trip. Zero means no bound other than the session itself.
	TimeoutMS int64
}

// workResponseMessage is the answer to a workRequestMessage. Exactly one of Body and Err is set.
type workResponseMessage struct {
	ProxyID int
	Body    []byte

	Err string
	// ErrKind names the failure, see errKinds.
	ErrKind string
}

var errKinds = []struct {
	kind string
	err  error
}{
	{"process_start", mux.ErrProcessStart},
	{"write", mux.ErrWrite},
	{"malformed_response", mux.ErrMalformedResponse},
	{"duplicate_id", mux.ErrDuplicateID},
	{"closed", mux.ErrClosed},
	{"broken_pipe", mux.ErrBrokenPipe},
}

var (
	// ErrRemote is a session failure that has no matching mux error.
	ErrRemote = errors.New("remote worker error")
	// ErrUnknownWorker means the agent has no worker of the requested name.
	ErrUnknownWorker = errors.New("unknown worker")
)

func errKind(err error) string {
	for _, k := range errKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

func kindErr(kind, msg string) error {
	for _, k := range errKinds {
		if k.kind == kind {
			return fmt.Errorf("%w: %s", k.err, msg)
		}
	}
	return fmt.Errorf("%w: %s", ErrRemote, msg)
}

type session struct {
	log   *zap.SugaredLogger
	conn  *websocket.Conn
	proxy *mux.Proxy
}

func (s *session) run(ctx context.Context) {
	s.log.Debug("session started")
	for {
		var msg workRequestMessage
		err := wsjson.Read(ctx, s.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			s.log.Debugf("message reader got error: %s", err)
			s.conn.Close(websocket.StatusInternalError, "reading message")
			return
		}

		resp := s.roundTrip(ctx, msg)
		err = wsjson.Write(ctx, s.conn, resp)
		if err != nil {
			s.log.Debugf("error writing response: %s", err)
			s.conn.Close(websocket.StatusInternalError, "writing response")
			return
		}
	}
}

func (s *session) roundTrip(ctx context.Context, msg workRequestMessage) workResponseMessage {
	if msg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	resp := workResponseMessage{ProxyID: s.proxy.ID()}
	_, err := s.proxy.Write(msg.Body)
	if err == nil {
		resp.Body, err = s.proxy.RoundTrip(ctx)
	}
	if err != nil {
		resp.Body = nil
		resp.Err = err.Error()
		resp.ErrKind = errKind(err)
	}
	return resp
}
