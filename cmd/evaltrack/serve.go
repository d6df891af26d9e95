package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/unixtransport/unixproxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tied-inc/evaltrack"
	"github.com/tied-inc/evaltrack/evaltrackhttp"
	"github.com/tied-inc/evaltrack/sqlitestore"
)

type serveConfig struct {
	*rootConfig

	listenAddr string
	capacity   int
	dbPath     string
	heartbeat  time.Duration
}

func (cfg *serveConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName:    "listen-addr",
		Value:       ffval.NewValueDefault(&cfg.listenAddr, "localhost:8000"),
		Usage:       "HTTP listen address, e.g. 'localhost:8000' or 'unix:///tmp/evaltrack.sock'",
		Placeholder: "ADDR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "capacity",
		Value:       ffval.NewValueDefault(&cfg.capacity, 1000),
		Usage:       "maximum number of traces kept by the in-memory store",
		Placeholder: "N",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "db",
		Value:       ffval.NewValue(&cfg.dbPath),
		Usage:       "SQLite database path; if set, traces are persisted there instead of in memory",
		Placeholder: "PATH",
		NoDefault:   true,
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "heartbeat",
		Value:       ffval.NewValueDefault(&cfg.heartbeat, time.Second),
		Usage:       "interval between heartbeat events on trace streams",
		Placeholder: "DURATION",
	})
}

func (cfg *serveConfig) Exec(ctx context.Context, args []string) error {
	storage, closeStorage, err := cfg.openStorage(ctx)
	if err != nil {
		return err
	}
	defer closeStorage()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger := cfg.logger.With().Str("component", "server").Logger()
	server := evaltrackhttp.NewServer(evaltrackhttp.ServerConfig{
		Storage:   storage,
		Logger:    &logger,
		Registry:  registry,
		Heartbeat: cfg.heartbeat,
		SecretKey: cfg.secretKey,
	})

	ln, err := unixproxy.ListenURI(ctx, cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	cfg.logger.Info().Str("addr", cfg.listenAddr).Bool("secret_key", cfg.secretKey != "").Msg("listening")

	httpServer := &http.Server{
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group

	{
		g.Add(func() error {
			if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func (cfg *serveConfig) openStorage(ctx context.Context) (evaltrackhttp.Storage, func(), error) {
	if cfg.dbPath == "" {
		cfg.logger.Info().Int("capacity", cfg.capacity).Msg("using in-memory store")
		return evaltrack.NewStore(evaltrack.StoreConfig{Capacity: cfg.capacity}), func() {}, nil
	}

	store, err := sqlitestore.Open(ctx, cfg.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open SQLite store: %w", err)
	}

	cfg.logger.Info().Str("db", cfg.dbPath).Msg("using SQLite store")

	return store, func() {
		if err := store.Close(); err != nil {
			cfg.logger.Warn().Err(err).Msg("close SQLite store")
		}
	}, nil
}
