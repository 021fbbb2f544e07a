package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/workermux/config"
	"github.com/guseggert/workermux/mux"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Agent serves shared workers over HTTP. Every WebSocket connection to /work/:name gets its own Proxy
// of the named worker, and the connection lives as long as the Proxy.
type Agent struct {
	logger *zap.SugaredLogger

	registry *mux.Registry
	config   *config.Config

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	listenAddr string

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc

	sessionsMut sync.Mutex
	stopped     bool
	sessions    sync.WaitGroup

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

// WithListenAddr overrides the listen address of the config.
func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar().Named("agent")
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLS makes the agent require mTLS with client certs signed by the given CA.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(a *Agent) {
		a.caCertPEM = caCertPEM
		a.certPEM = certPEM
		a.keyPEM = keyPEM
	}
}

func NewAgent(registry *mux.Registry, cfg *config.Config, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		logger:     logger.Named("agent").Sugar(),
		registry:   registry,
		config:     cfg,
		listenAddr: cfg.ListenAddr,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Agent) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/workers", a.workers)
	router.GET("/work/:name", a.work)
	return router
}

// Run serves until Stop is called.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	if a.certPEM != nil {
		tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
		if err != nil {
			listener.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	a.httpServer = &http.Server{
		Handler:     a.router(),
		BaseContext: func(net.Listener) context.Context { return a.ctx },
	}
	a.logger.Infow("serving workers", "Addr", listener.Addr().String(), "Workers", len(a.config.Workers))

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the server and every open session, which releases their Proxies.
func (a *Agent) Stop() error {
	a.sessionsMut.Lock()
	a.stopped = true
	a.sessionsMut.Unlock()

	a.cancel()
	var err error
	if a.httpServer != nil {
		err = a.httpServer.Close()
	}
	a.sessions.Wait()
	return err
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	a.writeJSON(w, HeartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
}

type WorkersResponse struct {
	// Workers are the names of the configured workers.
	Workers []string
	// Multiplexers are the shared worker processes that currently have users.
	Multiplexers []mux.Status
}

func (a *Agent) workers(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := WorkersResponse{Multiplexers: a.registry.Snapshot()}
	for _, wc := range a.config.Workers {
		resp.Workers = append(resp.Workers, wc.Name)
	}
	sort.Strings(resp.Workers)
	a.writeJSON(w, resp)
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// beginSession counts a new session unless Stop has been called. Stop waits for every counted session.
func (a *Agent) beginSession() bool {
	a.sessionsMut.Lock()
	defer a.sessionsMut.Unlock()
	if a.stopped {
		return false
	}
	a.sessions.Add(1)
	return true
}

// work runs one session of round trips against a Proxy of the named worker.
func (a *Agent) work(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	wc, ok := a.config.Worker(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown worker %q", name), http.StatusNotFound)
		return
	}
	if !a.beginSession() {
		http.Error(w, "agent is stopping", http.StatusServiceUnavailable)
		return
	}
	defer a.sessions.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("work WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	proxy, err := a.registry.NewProxy(wc.Key(), wc.ProxyOptions(a.config.LogDir)...)
	if err != nil {
		a.logger.Debugf("error creating proxy for %s: %s", name, err)
		wsConn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer func() {
		err := proxy.Destroy()
		if err != nil {
			a.logger.Debugf("error destroying proxy: %s", err)
		}
	}()

	s := &session{
		log:   a.logger.Named("session").With("Worker", name, "ProxyID", proxy.ID()),
		conn:  wsConn,
		proxy: proxy,
	}
	s.run(r.Context())
}
