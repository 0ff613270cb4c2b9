package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/chatsync/db"
	"github.com/memohai/chatsync/internal/config"
	idb "github.com/memohai/chatsync/internal/db"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/notify"
	"github.com/memohai/chatsync/internal/prefs"
	"github.com/memohai/chatsync/internal/push"
	"github.com/memohai/chatsync/internal/session"
)

// configPath is the --config flag value; empty falls back to CONFIG_PATH.
type configPath string

var infraModule = fx.Module(
	"Infra",
	fx.Provide(
		provideConfig,
		provideLogger,
		provideStore,
		fx.Annotate(provideDialer, fx.As(new(push.Dialer))),
	),
)

var sessionModule = fx.Module(
	"Session",
	fx.Provide(
		provideSink,
		provideSession,
	),
	fx.Invoke(startSession),
)

// ---------------------------------------------------------------------------
// infrastructure providers
// ---------------------------------------------------------------------------

func provideConfig(path configPath) (config.Config, error) {
	cfgPath := strings.TrimSpace(string(path))
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (prefs.Store, error) {
	store, closeStore, err := openStore(context.Background(), log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return closeStore()
		},
	})
	return store, nil
}

// openStore returns the preference store for cfg, migrating the SQLite schema on open.
func openStore(ctx context.Context, log *slog.Logger, cfg config.Config) (prefs.Store, func() error, error) {
	if cfg.Storage.InMemory() {
		log.Info("preferences kept in memory")
		return prefs.NewMemoryStore(), func() error { return nil }, nil
	}
	conn, err := idb.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if err := idb.RunMigrate(log, conn, db.Migrations(), "up", nil); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return prefs.NewSQLiteStore(conn), conn.Close, nil
}

func provideDialer(log *slog.Logger, cfg config.Config) *push.WSDialer {
	return push.NewWSDialer(log, cfg.Push)
}

// ---------------------------------------------------------------------------
// session providers
// ---------------------------------------------------------------------------

func provideSink(out *printer) notify.Sink {
	return notify.SinkFunc(func(_ context.Context, n notify.Notification) error {
		out.notification(n)
		return nil
	})
}

func provideSession(log *slog.Logger, cfg config.Config, dialer push.Dialer, store prefs.Store, sink notify.Sink) *session.Session {
	return session.New(log, cfg, session.Deps{
		Dialer: dialer,
		Store:  store,
		Sink:   sink,
	})
}

func startSession(lc fx.Lifecycle, log *slog.Logger, s *session.Session, out *printer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			out.watch(s.Hub)
			if err := s.Start(ctx); err != nil {
				log.Error("session start failed", slog.Any("error", err))
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Close()
			out.stop()
			return nil
		},
	})
}

func fxLogger(logger *slog.Logger) fxevent.Logger {
	l := &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
	l.UseLogLevel(slog.LevelDebug)
	return l
}
