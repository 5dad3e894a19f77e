package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/lead-sequencer/internal/api"
	"github.com/LeventeLantos/lead-sequencer/internal/cache"
	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/client"
	"github.com/LeventeLantos/lead-sequencer/internal/config"
	"github.com/LeventeLantos/lead-sequencer/internal/lead"
	"github.com/LeventeLantos/lead-sequencer/internal/logging"
	"github.com/LeventeLantos/lead-sequencer/internal/repo"
	"github.com/LeventeLantos/lead-sequencer/internal/scheduler"
	"github.com/LeventeLantos/lead-sequencer/internal/service"
)

const shutdownTimeout = 15 * time.Second

type app struct {
	cfg    *config.Config
	db     *sqlx.DB
	rdb    *redis.Client
	engine *service.Engine
	sched  *scheduler.Scheduler
	log    *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logging.WithModule("sequencer")}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		cat, err = catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
	}

	store, leads, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	var guard cache.DispatchGuard = cache.NopGuard{}
	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		guard = cache.NewRedisCache(a.rdb, cfg.Redis.TTL, cfg.Redis.ClaimTTL)
	}

	mailer := client.NewSMTPMailer(client.SMTPConfig{
		Host:      cfg.Email.Host,
		Port:      cfg.Email.Port,
		Username:  cfg.Email.Username,
		Password:  cfg.Email.Password,
		FromEmail: cfg.Email.FromEmail,
		FromName:  cfg.Email.FromName,
	})
	whatsapp := client.NewEvolutionClient(cfg.WhatsApp.EvolutionURL, cfg.WhatsApp.Instance, cfg.WhatsApp.APIKey, cfg.Dispatch.SendTimeout)

	a.engine = service.NewEngine(service.Deps{
		Catalog:  cat,
		Store:    store,
		Leads:    leads,
		Email:    mailer,
		WhatsApp: whatsapp,
		Guard:    guard,
		Logger:   logging.WithModule("engine"),
	}, service.Config{
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		SendTimeout: cfg.Dispatch.SendTimeout,
	})

	applied, err := a.engine.ApplyOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply step overrides: %w", err)
	}

	a.sched, err = scheduler.New(cfg.Scheduler.Interval, func(ctx context.Context) error {
		_, err := a.engine.RunPass(ctx)
		return err
	}, logging.WithModule("scheduler"))
	if err != nil {
		return nil, err
	}

	a.log.Info("sequencer ready",
		"store", cfg.Database.Store,
		"redis", cfg.Redis.Enabled,
		"email", cfg.Email.Enabled,
		"sequences", len(cat.Sequences()),
		"step_overrides", applied,
	)
	ready = true
	return a, nil
}

func (a *app) openStores(ctx context.Context) (repo.Store, lead.Store, error) {
	if a.cfg.Database.Store == config.StoreMemory {
		leads := lead.NewMemoryStore()
		if a.cfg.Database.LeadsFile != "" {
			var err error
			leads, err = lead.LoadFile(a.cfg.Database.LeadsFile)
			if err != nil {
				return nil, nil, err
			}
		}
		a.log.Warn("using in-memory enrollment store; state is lost on restart")
		return repo.NewMemoryStore(), leads, nil
	}

	if a.cfg.Database.MigrateOnStart {
		if err := repo.Migrate(a.cfg.Database.PostgresURL); err != nil {
			return nil, nil, err
		}
	}

	db, err := repo.Open(ctx, a.cfg.Database.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	a.db = db
	return repo.NewPostgresStore(db), lead.NewPostgresStore(db), nil
}

func (a *app) Handler() http.Handler {
	return api.Router(api.NewHandler(a.engine, a.sched))
}

// Serve runs the API until ctx is cancelled, then drains in-flight
// requests and stops the scheduler.
func (a *app) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.Scheduler.Enabled {
		a.sched.Start()
	}
	defer a.sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (a *app) Close() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("close redis", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("close database", "err", err)
		}
	}
}
