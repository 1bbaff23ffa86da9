package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/config"
	"github.com/DoyleJ11/hero-quiz-backend/internal/directory"
	"github.com/DoyleJ11/hero-quiz-backend/internal/game"
	"github.com/DoyleJ11/hero-quiz-backend/internal/httpapi"
	"github.com/DoyleJ11/hero-quiz-backend/internal/hub"
	"github.com/DoyleJ11/hero-quiz-backend/internal/session"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.NewCommand(run).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "heroquiz:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

type closer func() error

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, closer, error) {
	if cfg.Store == config.StorePostgres {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, log.Named("store"))
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	return store.NewMemory(log.Named("store")), func() error { return nil }, nil
}

func openSessions(cfg *config.Config) (session.Storage, closer, error) {
	if cfg.SessionPath == "" {
		return session.NewMemoryStorage(), func() error { return nil }, nil
	}
	b, err := session.OpenBolt(cfg.SessionPath)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	s, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = closeStore() }()

	sessions, closeSessions, err := openSessions(cfg)
	if err != nil {
		return fmt.Errorf("open sessions: %w", err)
	}
	defer func() { _ = closeSessions() }()

	ctrl := game.NewController(s, game.WithLogger(log.Named("game")))
	rec := game.NewReconciler(ctrl, cfg.SettleDelay, cfg.WatchInterval)
	h := hub.NewHub(ctx, s, rec, log.Named("hub"))
	defer func() {
		select {
		case h.Inbox() <- hub.ShutdownHub{}:
		default:
		}
	}()

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(httpapi.Deps{
		Directory:  directory.New(s, ctrl.Ledger(), log.Named("directory")),
		Controller: ctrl,
		Sessions:   session.NewManager(sessions, s, ctrl.Ledger(), log.Named("session")),
		Hub:        h,
		Passphrase: cfg.AdminPassphrase,
		Log:        log.Named("http"),
		Dev:        cfg.Dev,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
