package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// serverName is the host name of the agent in its TLS certificate and in request URLs.
const serverName = "workermux"

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	certs                    *Certs
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

// WithClientTLS connects with mTLS using the client cert of certs.
func WithClientTLS(certs *Certs) ClientOption {
	return func(c *Client) {
		c.certs = certs
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient returns a client of the agent listening on addr.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("agent_client"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	// Always dial addr, so the URL host can be the name in the agent's certificate without a DNS entry for it.
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialCtx := func(ctx context.Context, network, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	transport := &http.Transport{DialContext: dialCtx}
	scheme := "http"
	if c.certs != nil {
		tlsConfig, err := ClientTLSConfig(c.certs.CA.CertPEMBytes, c.certs.Client.CertPEMBytes, c.certs.Client.KeyPEMBytes)
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		scheme = "https"
	}
	c.baseURL = fmt.Sprintf("%s://%s", scheme, serverName)

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, path)
	}
	err = json.NewDecoder(resp.Body).Decode(v)
	if err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HeartbeatResponse
	return c.getJSON(ctx, "/heartbeat", &resp)
}

// Workers lists the configured workers and the live shared processes.
func (c *Client) Workers(ctx context.Context) (*WorkersResponse, error) {
	var resp WorkersResponse
	err := c.getJSON(ctx, "/workers", &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// OpenSession opens a session with its own Proxy of the named worker.
func (c *Client) OpenSession(ctx context.Context, worker string) (*Session, error) {
	u := c.baseURL + "/work/" + url.PathEscape(worker)
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, worker)
		}
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &Session{
		log:  c.Logger.Named("session").With("Worker", worker),
		conn: wsConn,
	}, nil
}

// Session is a connection to one Proxy on the agent. It has at most one round trip in flight.
type Session struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	mu      sync.Mutex
	proxyID int
}

// RoundTrip sends body, an encoded WorkRequest, and returns the encoded WorkResponse.
// Failures of the remote Proxy wrap the matching mux error.
func (s *Session) RoundTrip(ctx context.Context, body []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := wsjson.Write(ctx, s.conn, workRequestMessage{Body: body, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	var resp workResponseMessage
	err = wsjson.Read(ctx, s.conn, &resp)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	s.proxyID = resp.ProxyID
	if resp.Err != "" {
		return nil, kindErr(resp.ErrKind, resp.Err)
	}
	return resp.Body, nil
}

// ProxyID is the id of the remote Proxy, known after the first round trip.
func (s *Session) ProxyID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyID
}

// Close ends the session, which releases the remote Proxy.
func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
