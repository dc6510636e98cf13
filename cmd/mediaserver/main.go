package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/5l1v3r1/puffer/internal"
)

const (
	appName = "mediaserver"
)

var usg = `%s serves live media channels to browser clients over WebSocket.
Channels are read from disk and grow as external encoders write new
segments into their directories.

Usage of %s:
`

type options struct {
	configFile string
	logLevel   string
	version    bool
}

func parseOptions(fs *flag.FlagSet, args []string) (*options, error) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, usg, appName, appName)
		fmt.Fprintf(os.Stderr, "%s [options]\n\noptions:\n", appName)
		fs.PrintDefaults()
	}

	opts := options{}
	fs.StringVar(&opts.configFile, "config", "mediaserver.yaml", "YAML configuration file")
	fs.StringVar(&opts.logLevel, "loglevel", "", "Log level (overrides config)")
	fs.BoolVar(&opts.version, "version", false, fmt.Sprintf("Get %s version", appName))
	err := fs.Parse(args[1:])
	return &opts, err
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	opts, err := parseOptions(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Printf("%s %s\n", appName, internal.GetVersion())
		return nil
	}

	cfg, err := internal.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger := internal.NewLogger(level, os.Stderr)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := internal.NewMetrics(promReg)

	registry, err := internal.NewRegistry(cfg, metrics, logger)
	if err != nil {
		return err
	}
	watcher, err := internal.NewWatcher(registry, logger)
	if err != nil {
		return err
	}
	transport := internal.NewWSServer(logger)
	engine := internal.NewEngine(registry, transport, nil, metrics, logger)

	r := chi.NewRouter()
	r.Get("/ws", transport.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Strs("channels", registry.Names()).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return watcher.Run(ctx)
	})
	g.Go(func() error {
		return engine.Run(ctx, transport.Events(), watcher.Events())
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		transport.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
