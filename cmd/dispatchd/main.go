// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Command dispatchd is the process entrypoint: it wires together a
// Durable Store, a Scheduling Index, a Session Registry, a Dispatcher,
// and the admin HTTP surface, then serves both the worker WebSocket
// route and the admin routes on one listener until signaled to stop.
package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/urfave/negroni"
	"gopkg.in/yaml.v2"

	"github.com/orrery/dispatch/adminapi"
	"github.com/orrery/dispatch/dispatcher"
	"github.com/orrery/dispatch/domain"
	"github.com/orrery/dispatch/index"
	"github.com/orrery/dispatch/index/memindex"
	"github.com/orrery/dispatch/index/redisindex"
	"github.com/orrery/dispatch/session"
	"github.com/orrery/dispatch/store/memory"
	"github.com/orrery/dispatch/store/postgres"
)

// fileConfig is the shape of the optional YAML config file. Durations
// are plain strings (parsed with time.ParseDuration) since
// gopkg.in/yaml.v2 has no native time.Duration support, so
// loadConfigYaml treats its config as loosely-typed data rather than
// fighting the decoder.
type fileConfig struct {
	Bind string `yaml:"bind"`

	StoreBackend string `yaml:"store_backend"`
	PostgresDSN  string `yaml:"postgres_dsn"`

	IndexBackend  string `yaml:"index_backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Tick             string `yaml:"tick"`
	HeartbeatSweep   string `yaml:"heartbeat_sweep"`
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`
	MaxRetries       int    `yaml:"max_retries"`
	Cooldown         string `yaml:"cooldown"`
	Batch            int    `yaml:"batch"`
	EventBuffer      int    `yaml:"event_buffer"`
}

func loadConfigYaml(filename string) (fileConfig, error) {
	var cfg fileConfig
	bytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(bytes, &cfg)
	return cfg, err
}

func main() {
	app := cli.NewApp()
	app.Name = "dispatchd"
	app.Usage = "run the planet dispatcher daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "YAML config file"},
		cli.StringFlag{Name: "bind", Value: ":8080", Usage: "address to listen on for both the worker and admin surfaces"},
		cli.StringFlag{Name: "store-backend", Value: "memory", Usage: "durable store backend: memory or postgres"},
		cli.StringFlag{Name: "postgres-dsn", Usage: "postgres connection string (store-backend=postgres)"},
		cli.StringFlag{Name: "index-backend", Value: "memory", Usage: "scheduling index backend: memory or redis"},
		cli.StringFlag{Name: "redis-addr", Value: "localhost:6379", Usage: "redis address (index-backend=redis)"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("dispatchd exited with error")
	}
}

func run(c *cli.Context) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	var fc fileConfig
	if path := c.String("config"); path != "" {
		var err error
		fc, err = loadConfigYaml(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	applyFlagOverrides(&fc, c)

	store, err := buildStore(fc)
	if err != nil {
		return fmt.Errorf("building durable store: %w", err)
	}
	defer store.Close()

	idx, err := buildIndex(fc, log)
	if err != nil {
		return fmt.Errorf("building scheduling index: %w", err)
	}
	defer idx.Close()

	cfg := dispatcherConfigFrom(fc)
	registry := session.NewRegistry(cfg.EventBuffer, log)
	disp := dispatcher.New(store, idx, registry, cfg, log)

	api := &adminapi.API{Store: store, Index: idx, Dispatcher: disp, Log: log}

	router := mux.NewRouter()
	session.PopulateRouter(router, registry)
	api.PopulateRouter(router)

	n := negroni.New(negroni.NewRecovery(), negroni.NewLogger())
	n.UseHandler(router)

	srv := &http.Server{Addr: fc.Bind, Handler: n}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := disp.Run(ctx); err != nil {
			log.WithError(err).Error("dispatcher stopped")
		}
	}()

	go func() {
		log.WithField("addr", fc.Bind).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped")
		}
	}()

	waitForSignal(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	disp.Stop()
	registry.CloseAll("shutting down")
	return nil
}

func waitForSignal(log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s).Info("received shutdown signal")
}

func applyFlagOverrides(fc *fileConfig, c *cli.Context) {
	if c.IsSet("bind") || fc.Bind == "" {
		fc.Bind = c.String("bind")
	}
	if c.IsSet("store-backend") || fc.StoreBackend == "" {
		fc.StoreBackend = c.String("store-backend")
	}
	if c.IsSet("postgres-dsn") || fc.PostgresDSN == "" {
		fc.PostgresDSN = c.String("postgres-dsn")
	}
	if c.IsSet("index-backend") || fc.IndexBackend == "" {
		fc.IndexBackend = c.String("index-backend")
	}
	if c.IsSet("redis-addr") || fc.RedisAddr == "" {
		fc.RedisAddr = c.String("redis-addr")
	}
}

func buildStore(fc fileConfig) (domain.Store, error) {
	switch fc.StoreBackend {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.New(fc.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", fc.StoreBackend)
	}
}

func buildIndex(fc fileConfig, log *logrus.Entry) (index.Index, error) {
	switch fc.IndexBackend {
	case "", "memory":
		return memindex.New(), nil
	case "redis":
		return redisindex.New(redisindex.Config{
			Addr:     fc.RedisAddr,
			Password: fc.RedisPassword,
			DB:       fc.RedisDB,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", fc.IndexBackend)
	}
}

// dispatcherConfigFrom fills in every field dispatcher.New itself
// would default from zero, except EventBuffer: the registry needs
// that value before dispatcher.New ever runs, so it is resolved here
// instead of relying on New's internal fillDefaults.
func dispatcherConfigFrom(fc fileConfig) dispatcher.Config {
	var cfg dispatcher.Config
	cfg.Tick = parseDurationOr(fc.Tick, 0)
	cfg.HeartbeatSweep = parseDurationOr(fc.HeartbeatSweep, 0)
	cfg.HeartbeatTimeout = parseDurationOr(fc.HeartbeatTimeout, 0)
	cfg.Cooldown = parseDurationOr(fc.Cooldown, 0)
	cfg.MaxRetries = fc.MaxRetries
	cfg.Batch = fc.Batch
	cfg.EventBuffer = fc.EventBuffer
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = dispatcher.DefaultConfig().EventBuffer
	}
	return cfg
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
