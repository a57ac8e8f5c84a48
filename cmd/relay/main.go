package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"relay/internal/api"
	"relay/internal/backoff"
	"relay/internal/bus"
	"relay/internal/config"
	"relay/internal/domain"
	"relay/internal/handlers/webhook"
	"relay/internal/notify"
	"relay/internal/recurring"
	"relay/internal/registry"
	"relay/internal/scheduler"
	"relay/internal/store"
)

type heartbeatMsg struct {
	Source string `json:"source"`
}

func (heartbeatMsg) MessageType() string { return "relay.heartbeat" }

func main() {
	var (
		addr          = flag.String("addr", "", "HTTP bind address (overrides RELAY_HTTP_ADDR)")
		driver        = flag.String("driver", "", "store driver: sqlite, postgres or memory (overrides RELAY_STORE_DRIVER)")
		dsn           = flag.String("dsn", "", "store DSN (overrides RELAY_STORE_DSN)")
		webhookURL    = flag.String("webhook", os.Getenv("RELAY_WEBHOOK_URL"), "register a webhook recipient posting payloads to this URL")
		heartbeatCron = flag.String("heartbeat", os.Getenv("RELAY_HEARTBEAT_CRON"), "cron expression for a recurring heartbeat broadcast")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
	}
	defer closeStore()

	// Claims stranded by an unclean shutdown of a previous instance.
	if n, err := st.ReleaseStale(context.Background(), time.Now().UTC().Add(-cfg.Scheduler.StaleClaim)); err == nil && n > 0 {
		log.Info().Int("released", n).Msg("released stale claims")
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.NATS.URL != "" {
		n, err := notify.NewNATS(cfg.NATS.URL, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("connect nats")
		}
		defer n.Close()
		notifier = n
		log.Info().Str("url", cfg.NATS.URL).Msg("change notifications over nats")
	}

	// Consumer composition. All registration happens here, before Freeze.
	reg := registry.New()
	if *webhookURL != "" {
		reg.Register("webhook.dispatch", webhook.Factory(*webhookURL))
		reg.RegisterQueue("webhook.dispatch", "webhooks")
		reg.Register("relay.heartbeat", webhook.Factory(*webhookURL))
		log.Info().Str("url", *webhookURL).Msg("webhook recipient registered")
	}
	reg.Freeze()

	policy := backoff.New(cfg.Bus.BackoffSchedule)
	b := bus.New(st, reg, notifier, cfg.Bus.MaxAttempts, log.Logger)

	sched := scheduler.New(st, reg, notifier, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		IdleGrace:    cfg.Scheduler.IdleGrace,
		Backoff:      policy,
		ScopeValues: func(env *domain.Envelope) map[string]any {
			return map[string]any{"bus": b}
		},
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	rec := recurring.New(b, log.Logger)
	if *heartbeatCron != "" {
		if _, err := rec.Add(*heartbeatCron, heartbeatMsg{Source: "relay"}); err != nil {
			log.Fatal().Err(err).Str("cron", *heartbeatCron).Msg("schedule heartbeat")
		}
		log.Info().Str("cron", *heartbeatCron).Msg("heartbeat scheduled")
	}
	rec.Start()

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServer(st)}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	<-rec.Stop().Done()
	cancel()
	wg.Wait() // in-flight envelopes settle or are released

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), func() {}, nil

	case "sqlite":
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Store.DSN)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := store.EnsureSchema(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store.NewSQLite(db), func() { db.Close() }, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.MigratePostgres(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store.NewPostgres(db), func() { db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
