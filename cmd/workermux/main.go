package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/workermux/agent"
	"github.com/guseggert/workermux/config"
	"github.com/guseggert/workermux/internal/echo"
	"github.com/guseggert/workermux/mux"
	"github.com/guseggert/workermux/protocol"
	"github.com/guseggert/workermux/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to the worker config file. Defaults to the nearest " + config.DefaultFile + " in the working directory or its parents.",
}

func main() {
	app := &cli.App{
		Name:  "workermux",
		Usage: "share persistent worker processes between many clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve the configured workers over HTTP",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on, overriding the config.",
					},
				},
				Action: serve,
			},
			{
				Name:      "run",
				Usage:     "send the same request from many clients to one configured worker",
				ArgsUsage: "[request arguments...]",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:     "worker",
						Usage:    "Name of the worker to send requests to.",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Number of clients sharing the worker.",
						Value: 4,
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Timeout of each round trip.",
						Value: time.Minute,
					},
				},
				Action: run,
			},
			{
				Name:  "echo-worker",
				Usage: "a worker that answers every request with its arguments",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "persistent_worker",
						Usage: "Serve work requests on stdin until it is closed.",
					},
					&cli.StringFlag{
						Name:  "protocol",
						Usage: "Wire protocol, one of [proto,json].",
						Value: "proto",
					},
					&cli.IntFlag{
						Name:  "max-workers",
						Usage: "Number of requests handled at once. Defaults to the number of CPUs.",
					},
				},
				Action: echoWorker,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	if path := ctx.String("config"); path != "" {
		return config.Load(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.Find(wd)
}

func serve(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	hooks := mux.NewHooks()
	registry := mux.NewRegistry(mux.WithLogger(logger), mux.WithShutdownHooks(hooks))
	defer registry.Close()

	opts := []agent.Option{agent.WithLogger(logger)}
	if addr := ctx.String("listen-addr"); addr != "" {
		opts = append(opts, agent.WithListenAddr(addr))
	}
	a, err := agent.NewAgent(registry, cfg, opts...)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	listenCtx, stopListening := context.WithCancel(ctx.Context)
	defer stopListening()
	sigs := hooks.Listen(listenCtx, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		logger.Sugar().Infof("got %s, shutting down", sig)
		err := a.Stop()
		if err != nil {
			logger.Sugar().Debugf("error stopping agent: %s", err)
		}
	}()

	return a.Run()
}

func run(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	name := ctx.String("worker")
	wc, ok := cfg.Worker(name)
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}
	codec, err := protocol.Lookup(wc.Protocol)
	if err != nil {
		return err
	}
	body, err := codec.MarshalRequest(&protocol.WorkRequest{Arguments: ctx.Args().Slice()})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	hooks := mux.NewHooks()
	registry := mux.NewRegistry(mux.WithLogger(logger), mux.WithShutdownHooks(hooks))
	defer registry.Close()

	listenCtx, stopListening := context.WithCancel(ctx.Context)
	defer stopListening()
	sigs := hooks.Listen(listenCtx, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigs; ok {
			os.Exit(130)
		}
	}()

	var outMut sync.Mutex
	timeout := ctx.Duration("timeout")
	group, groupCtx := errgroup.WithContext(ctx.Context)
	for i := 0; i < ctx.Int("concurrency"); i++ {
		i := i
		group.Go(func() error {
			p, err := registry.NewProxy(wc.Key(), wc.ProxyOptions(cfg.LogDir)...)
			if err != nil {
				return err
			}
			defer p.Destroy()

			_, err = p.Write(body)
			if err != nil {
				return err
			}
			rtCtx, cancel := context.WithTimeout(groupCtx, timeout)
			defer cancel()
			b, err := p.RoundTrip(rtCtx)
			if err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			var resp protocol.WorkResponse
			err = codec.UnmarshalResponse(b, &resp)
			if err != nil {
				return fmt.Errorf("client %d: decoding response: %w", i, err)
			}

			outMut.Lock()
			defer outMut.Unlock()
			fmt.Printf("[client %d, request %d] exit code %d\n%s\n", i, resp.RequestID, resp.ExitCode, resp.Output)
			return nil
		})
	}
	return group.Wait()
}

func echoWorker(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	args, persistent, err := worker.ParseArgs(ctx.Args().Slice())
	if err != nil {
		return err
	}
	if persistent || ctx.Bool("persistent_worker") {
		return echo.Run(ctx.Context, logger, ctx.String("protocol"), worker.WithMaxWorkers(ctx.Int("max-workers")))
	}

	resp := echo.HandleRequest(ctx.Context, &protocol.WorkRequest{Arguments: args})
	fmt.Println(strings.TrimSpace(resp.Output))
	if resp.ExitCode != 0 {
		return cli.Exit("", resp.ExitCode)
	}
	return nil
}
