package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/guseggert/workermux/config"
	"github.com/guseggert/workermux/internal/echo"
	"github.com/guseggert/workermux/internal/net"
	"github.com/guseggert/workermux/mux"
	"github.com/guseggert/workermux/protocol"
	"github.com/guseggert/workermux/worker"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// workerEnv makes the test binary act as an echo worker speaking the protocol named by its value.
const workerEnv = "WORKERMUX_AGENT_TEST_WORKER"

var log = zap.NewNop()

func TestMain(m *testing.M) {
	if p := os.Getenv(workerEnv); p != "" {
		// sleeping requests must not keep a crash request from running, whatever the CPU count
		err := echo.Run(context.Background(), zap.NewNop(), p, worker.WithMaxWorkers(16))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	addr, err := net.GetEphemeralTCPAddr()
	require.NoError(t, err)
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
listenAddr: %s
logDir: %s
workers:
  - name: echo
    command: %s
    env: {%s: json}
    protocol: json
  - name: echo-proto
    command: %s
    env: {%s: proto}
`, addr, t.TempDir(), os.Args[0], workerEnv, os.Args[0], workerEnv)))
	require.NoError(t, err)
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config, opts ...Option) *mux.Registry {
	registry := mux.NewRegistry(mux.WithLogger(log))
	t.Cleanup(registry.Close)

	agent, err := NewAgent(registry, cfg, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run() }()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
		require.NoError(t, <-errCh)
	})
	return registry
}

func newClient(t *testing.T, cfg *config.Config, opts ...ClientOption) *Client {
	client, err := NewClient(log.Sugar(), cfg.ListenAddr, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func echoRequest(t *testing.T, codec protocol.Codec, args ...string) []byte {
	b, err := codec.MarshalRequest(&protocol.WorkRequest{Arguments: args})
	require.NoError(t, err)
	return b
}

func decodeResponse(t *testing.T, codec protocol.Codec, b []byte) protocol.WorkResponse {
	var resp protocol.WorkResponse
	require.NoError(t, codec.UnmarshalResponse(b, &resp))
	return resp
}

func TestSessionsShareOneWorker(t *testing.T) {
	cfg := testConfig(t)
	registry := startAgent(t, cfg)
	client := newClient(t, cfg)
	ctx := context.Background()

	workers, err := client.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "echo-proto"}, workers.Workers)
	assert.Empty(t, workers.Multiplexers)

	const n = 5
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i], err = client.OpenSession(ctx, "echo")
		require.NoError(t, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			// the slower requests go first, so the worker answers out of order
			b, err := s.RoundTrip(gctx, echoRequest(t, protocol.JSON, fmt.Sprintf("sleep=%dms", (n-i)*20), fmt.Sprint(i)), 10*time.Second)
			if err != nil {
				return err
			}
			resp := decodeResponse(t, protocol.JSON, b)
			if resp.Output != fmt.Sprint(i) {
				return fmt.Errorf("session %d got %q", i, resp.Output)
			}
			if resp.RequestID != s.ProxyID() {
				return fmt.Errorf("session %d got response for request %d", i, resp.RequestID)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	workers, err = client.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers.Multiplexers, 1)
	status := workers.Multiplexers[0]
	assert.Equal(t, n, status.Refs)
	assert.True(t, status.Alive)
	assert.Greater(t, status.PID, 0)

	for _, s := range sessions {
		require.NoError(t, s.Close())
	}
	require.Eventually(t, func() bool { return len(registry.Snapshot()) == 0 }, 10*time.Second, 10*time.Millisecond)
}

func TestSessionProtoWorker(t *testing.T) {
	cfg := testConfig(t)
	startAgent(t, cfg)
	client := newClient(t, cfg)
	ctx := context.Background()

	s, err := client.OpenSession(ctx, "echo-proto")
	require.NoError(t, err)
	defer s.Close()

	for _, word := range []string{"one", "two"} {
		b, err := s.RoundTrip(ctx, echoRequest(t, protocol.Proto, word, "exitcode=4"), 0)
		require.NoError(t, err)
		resp := decodeResponse(t, protocol.Proto, b)
		assert.Equal(t, word, resp.Output)
		assert.Equal(t, 4, resp.ExitCode)
	}
}

func TestSessionTimeout(t *testing.T) {
	cfg := testConfig(t)
	startAgent(t, cfg)
	client := newClient(t, cfg)
	ctx := context.Background()

	s, err := client.OpenSession(ctx, "echo")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RoundTrip(ctx, echoRequest(t, protocol.JSON, "sleep=1s"), 50*time.Millisecond)
	assert.ErrorIs(t, err, mux.ErrBrokenPipe)
}

func TestSessionWorkerCrash(t *testing.T) {
	cfg := testConfig(t)
	startAgent(t, cfg)
	client := newClient(t, cfg)
	ctx := context.Background()

	waiting, err := client.OpenSession(ctx, "echo")
	require.NoError(t, err)
	defer waiting.Close()
	crasher, err := client.OpenSession(ctx, "echo")
	require.NoError(t, err)
	defer crasher.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := waiting.RoundTrip(ctx, echoRequest(t, protocol.JSON, "sleep=30s"), 0)
		errCh <- err
	}()
	// give the first request time to reach the worker
	time.Sleep(200 * time.Millisecond)

	_, err = crasher.RoundTrip(ctx, echoRequest(t, protocol.JSON, "crash=7"), 0)
	assert.ErrorIs(t, err, mux.ErrBrokenPipe)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, mux.ErrBrokenPipe)
	case <-time.After(10 * time.Second):
		t.Fatal("pending request was not failed after the worker crashed")
	}

	// a new session gets a fresh worker
	fresh, err := client.OpenSession(ctx, "echo")
	require.NoError(t, err)
	defer fresh.Close()
	b, err := fresh.RoundTrip(ctx, echoRequest(t, protocol.JSON, "alive"), 0)
	require.NoError(t, err)
	assert.Equal(t, "alive", decodeResponse(t, protocol.JSON, b).Output)
}

func TestUnknownWorker(t *testing.T) {
	cfg := testConfig(t)
	startAgent(t, cfg)
	client := newClient(t, cfg)

	_, err := client.OpenSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestProcessStartFailureIsReported(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = append(cfg.Workers, config.WorkerConfig{
		Name:     "missing",
		Mnemonic: "missing",
		Command:  "/does/not/exist",
		Protocol: "json",
	})
	startAgent(t, cfg)
	client := newClient(t, cfg)

	s, err := client.OpenSession(context.Background(), "missing")
	require.NoError(t, err)
	defer s.Close()
	_, err = s.RoundTrip(context.Background(), echoRequest(t, protocol.JSON, "x"), 0)
	assert.ErrorIs(t, err, mux.ErrProcessStart)
}

func TestTLS(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)
	cfg := testConfig(t)
	startAgent(t, cfg, WithTLS(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes))

	client := newClient(t, cfg, WithClientTLS(certs))
	s, err := client.OpenSession(context.Background(), "echo")
	require.NoError(t, err)
	defer s.Close()
	b, err := s.RoundTrip(context.Background(), echoRequest(t, protocol.JSON, "secret"), 0)
	require.NoError(t, err)
	assert.Equal(t, "secret", decodeResponse(t, protocol.JSON, b).Output)
}

func TestNegativeAuthz(t *testing.T) {
	// clients with a cert from another CA are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)
	cfg := testConfig(t)
	startAgent(t, cfg, WithTLS(serverCerts.CA.CertPEMBytes, serverCerts.Server.CertPEMBytes, serverCerts.Server.KeyPEMBytes))
	newClient(t, cfg, WithClientTLS(serverCerts))

	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log.Sugar(), cfg.ListenAddr, WithClientTLS(clientCerts), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.Error(t, err)
	_, err = client.OpenSession(context.Background(), "echo")
	require.Error(t, err)
}

func TestStopRejectsNewSessions(t *testing.T) {
	cfg := testConfig(t)
	registry := mux.NewRegistry(mux.WithLogger(log))
	t.Cleanup(registry.Close)
	agent, err := NewAgent(registry, cfg, WithLogger(log))
	require.NoError(t, err)

	// sessions starting while Stop runs are either waited for or turned away
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			if agent.beginSession() {
				agent.sessions.Done()
			}
			return nil
		})
	}
	require.NoError(t, agent.Stop())
	require.NoError(t, g.Wait())

	rec := httptest.NewRecorder()
	agent.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/work/echo", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, registry.Snapshot())
}
