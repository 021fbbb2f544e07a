package worker

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/workermux/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, req *protocol.WorkRequest) *protocol.WorkResponse {
	return &protocol.WorkResponse{Output: strings.Join(req.Arguments, " ")}
}

func encodeRequests(t *testing.T, codec protocol.Codec, reqs ...*protocol.WorkRequest) *bytes.Buffer {
	var buf bytes.Buffer
	for _, req := range reqs {
		body, err := codec.MarshalRequest(req)
		require.NoError(t, err)
		require.NoError(t, codec.WriteRequest(&buf, req.RequestID, body))
	}
	return &buf
}

func readResponses(t *testing.T, codec protocol.Codec, r io.Reader) map[int]*protocol.WorkResponse {
	resps := map[int]*protocol.WorkResponse{}
	rr := codec.NewResponseReader(r)
	for {
		id, body, err := rr.ReadResponse()
		if err == io.EOF {
			return resps
		}
		require.NoError(t, err)
		var resp protocol.WorkResponse
		require.NoError(t, codec.UnmarshalResponse(body, &resp))
		resps[id] = &resp
	}
}

func TestWorkerEcho(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.Proto, protocol.JSON} {
		codec := codec
		t.Run(codec.Name(), func(t *testing.T) {
			in := encodeRequests(t, codec,
				&protocol.WorkRequest{RequestID: 1, Arguments: []string{"a", "b"}},
				&protocol.WorkRequest{RequestID: 2, Arguments: []string{"c"}},
				&protocol.WorkRequest{RequestID: 3},
			)
			var out bytes.Buffer
			w := NewWorker(HandlerFunc(echoHandler), WithCodec(codec), WithInput(in), WithOutput(&out), WithMaxWorkers(2))
			require.NoError(t, w.Run(context.Background()))

			resps := readResponses(t, codec, &out)
			require.Len(t, resps, 3)
			assert.Equal(t, "a b", resps[1].Output)
			assert.Equal(t, "c", resps[2].Output)
			assert.Equal(t, "", resps[3].Output)
		})
	}
}

// notifyWriter closes written after the first Write.
type notifyWriter struct {
	bytes.Buffer
	once    sync.Once
	written chan struct{}
}

func (w *notifyWriter) Write(p []byte) (int, error) {
	n, err := w.Buffer.Write(p)
	w.once.Do(func() { close(w.written) })
	return n, err
}

func TestWorkerRespondsOutOfOrder(t *testing.T) {
	out := &notifyWriter{written: make(chan struct{})}
	handler := HandlerFunc(func(ctx context.Context, req *protocol.WorkRequest) *protocol.WorkResponse {
		if req.RequestID == 1 {
			<-out.written
		}
		return &protocol.WorkResponse{Output: req.Arguments[0]}
	})
	in := encodeRequests(t, protocol.Proto,
		&protocol.WorkRequest{RequestID: 1, Arguments: []string{"slow"}},
		&protocol.WorkRequest{RequestID: 2, Arguments: []string{"fast"}},
	)
	w := NewWorker(handler, WithInput(in), WithOutput(out), WithMaxWorkers(2))
	require.NoError(t, w.Run(context.Background()))

	rr := protocol.Proto.NewResponseReader(&out.Buffer)
	id, _, err := rr.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	id, _, err = rr.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestWorkerCancel(t *testing.T) {
	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, req *protocol.WorkRequest) *protocol.WorkResponse {
		close(started)
		select {
		case <-ctx.Done():
			return &protocol.WorkResponse{ExitCode: 1, Output: "cancelled"}
		case <-time.After(10 * time.Second):
			return &protocol.WorkResponse{Output: "finished"}
		}
	})

	inR, inW := io.Pipe()
	var out bytes.Buffer
	w := NewWorker(handler, WithInput(inR), WithOutput(&out))
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	_, err := io.Copy(inW, encodeRequests(t, protocol.Proto, &protocol.WorkRequest{RequestID: 5}))
	require.NoError(t, err)
	<-started
	_, err = io.Copy(inW, encodeRequests(t, protocol.Proto,
		&protocol.WorkRequest{RequestID: 5, Cancel: true},
		// cancelling an unknown request is ignored
		&protocol.WorkRequest{RequestID: 6, Cancel: true},
	))
	require.NoError(t, err)
	require.NoError(t, inW.Close())
	require.NoError(t, <-errCh)

	resps := readResponses(t, protocol.Proto, &out)
	require.Len(t, resps, 1)
	assert.True(t, resps[5].WasCancelled)
	assert.Equal(t, "cancelled", resps[5].Output)
}

func TestWorkerCancelQueuedRequest(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var handled sync.Map
	handler := HandlerFunc(func(ctx context.Context, req *protocol.WorkRequest) *protocol.WorkResponse {
		handled.Store(req.RequestID, true)
		started <- struct{}{}
		<-release
		return &protocol.WorkResponse{Output: "done"}
	})

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w := NewWorker(handler, WithInput(inR), WithOutput(outW), WithMaxWorkers(1))
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(context.Background())
		outW.Close()
	}()
	_, err := io.Copy(inW, encodeRequests(t, protocol.Proto, &protocol.WorkRequest{RequestID: 1}))
	require.NoError(t, err)
	<-started

	// request 2 waits for the only slot, so its cancel arrives while request 1 still runs
	queued := encodeRequests(t, protocol.Proto,
		&protocol.WorkRequest{RequestID: 2},
		&protocol.WorkRequest{RequestID: 2, Cancel: true},
	)
	go io.Copy(inW, queued)

	type result struct {
		id   int
		resp protocol.WorkResponse
		err  error
	}
	rr := protocol.Proto.NewResponseReader(outR)
	next := func() result {
		ch := make(chan result, 1)
		go func() {
			var r result
			var body []byte
			r.id, body, r.err = rr.ReadResponse()
			if r.err == nil {
				r.err = protocol.Proto.UnmarshalResponse(body, &r.resp)
			}
			ch <- r
		}()
		select {
		case r := <-ch:
			return r
		case <-time.After(10 * time.Second):
			t.Fatal("no response")
			return result{}
		}
	}

	r := next()
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.id)
	assert.True(t, r.resp.WasCancelled)
	_, ran := handled.Load(2)
	assert.False(t, ran)

	close(release)
	r = next()
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.id)
	assert.Equal(t, "done", r.resp.Output)

	require.NoError(t, inW.Close())
	require.NoError(t, <-errCh)
}

func TestWorkerRejectsDuplicateInFlightID(t *testing.T) {
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, req *protocol.WorkRequest) *protocol.WorkResponse {
		<-release
		return &protocol.WorkResponse{Output: "first"}
	})

	inR, inW := io.Pipe()
	var out bytes.Buffer
	w := NewWorker(handler, WithInput(inR), WithOutput(&out), WithMaxWorkers(4))
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	_, err := io.Copy(inW, encodeRequests(t, protocol.Proto,
		&protocol.WorkRequest{RequestID: 1},
		&protocol.WorkRequest{RequestID: 1},
	))
	require.NoError(t, err)
	require.NoError(t, inW.Close())
	close(release)
	require.NoError(t, <-errCh)

	var outputs []string
	rr := protocol.Proto.NewResponseReader(&out)
	for {
		_, body, err := rr.ReadResponse()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var resp protocol.WorkResponse
		require.NoError(t, protocol.Proto.UnmarshalResponse(body, &resp))
		outputs = append(outputs, resp.Output)
	}
	sort.Strings(outputs)
	assert.Equal(t, []string{"first", "request 1 is already in flight"}, outputs)
}

func TestWorkerMalformedInput(t *testing.T) {
	var out bytes.Buffer
	w := NewWorker(HandlerFunc(echoHandler), WithCodec(protocol.JSON), WithInput(strings.NewReader("{not json\n")), WithOutput(&out))
	err := w.Run(context.Background())
	require.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	argfile := filepath.Join(t.TempDir(), "args")
	require.NoError(t, os.WriteFile(argfile, []byte("--in\n\n# comment\n  x.txt  \n"), 0644))

	cases := []struct {
		name           string
		args           []string
		wantArgs       []string
		wantPersistent bool
		wantErr        error
	}{
		{
			name:     "plain",
			args:     []string{"a", "b"},
			wantArgs: []string{"a", "b"},
		},
		{
			name:           "persistent",
			args:           []string{"--persistent_worker", "a"},
			wantArgs:       []string{"a"},
			wantPersistent: true,
		},
		{
			name:     "argfile",
			args:     []string{"before", "@" + argfile, "after"},
			wantArgs: []string{"before", "--in", "x.txt", "after"},
		},
		{
			name:    "two argfiles",
			args:    []string{"@" + argfile, "@" + argfile},
			wantErr: ErrMultipleArgfiles,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			args, persistent, err := ParseArgs(c.args)
			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.wantArgs, args)
			assert.Equal(t, c.wantPersistent, persistent)
		})
	}

	_, _, err := ParseArgs([]string{"@" + filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}
