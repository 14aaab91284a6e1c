package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/pansacloud/gateway/internal/auth"
	"github.com/pansacloud/gateway/internal/authstate"
	"github.com/pansacloud/gateway/internal/command"
	httphandler "github.com/pansacloud/gateway/internal/http"
	"github.com/pansacloud/gateway/internal/http/handlers"
	"github.com/pansacloud/gateway/internal/i18n"
	"github.com/pansacloud/gateway/internal/logging"
	"github.com/pansacloud/gateway/internal/middleware"
	"github.com/pansacloud/gateway/internal/push"
	"github.com/pansacloud/gateway/internal/repo"
	"github.com/pansacloud/gateway/internal/wa"
	"github.com/pansacloud/gateway/internal/wa/bridge"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and keep the messaging session connected",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfgFile)
		},
	}
}

func runServe(parent context.Context, cfgFile string) error {
	cfg, logger, err := setup(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "startup failed", "err", err)
		return err
	}
	defer closeDatabase(database, logger)

	// Initialize repositories
	userRepo := repo.NewUserRepo(database)
	fileRepo := repo.NewFileRepo(database)
	unlockRepo := repo.NewUnlockRepo(database)
	tokenRepo := repo.NewTokenRepo(database)
	sessionRepo := repo.NewSessionRepo(database)

	catalog, err := i18n.New(cfg.ReplyLang)
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(tokenRepo)
	pinLimiter := middleware.NewRateLimiter(cfg.PinAttemptWindow, cfg.PinMaxAttempts)
	defer pinLimiter.Stop()

	processor := command.NewProcessor(command.Config{
		Users:       userRepo,
		Files:       fileRepo,
		Unlocks:     unlockRepo,
		Tokens:      tokenIssuer,
		Pins:        auth.Argon2Pins{},
		Limiter:     pinLimiter,
		Catalog:     catalog,
		BaseURL:     cfg.AppBaseURL,
		TokenTTL:    cfg.TokenTTLMin,
		BotName:     cfg.BotName,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
	})

	hub := push.NewHub(logger)
	defer hub.Close()
	emitters := push.Fanout{hub}
	if cfg.NATSURL != "" {
		natsEmitter, err := push.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer natsEmitter.Close()
		emitters = append(emitters, natsEmitter)
	}

	var versions wa.VersionSource
	if cfg.VersionURL != "" {
		versions = wa.NewHTTPVersionSource(cfg.VersionURL)
	}

	manager := wa.NewManager(wa.ManagerConfig{
		Session:        cfg.SessionName,
		Store:          authstate.NewStore(sessionRepo, logger),
		Dialer:         bridge.NewDialer(cfg.BridgeURL, cfg.BridgeToken, logging.Component(logger, "bridge")),
		Versions:       versions,
		Emitter:        emitters,
		Handler:        processor,
		Logger:         logging.Component(logger, "wa"),
		ReconnectDelay: cfg.ReconnectDelay,
	})

	var jwtService *auth.JWTService
	if cfg.AdminJWTSecret != "" {
		jwtService = auth.NewJWTService(cfg.AdminJWTSecret)
	} else {
		level.Warn(logger).Log("msg", "ADMIN_JWT_SECRET not set, push channel is unauthenticated")
	}
	pushLimiter := middleware.NewRateLimiter(time.Minute, 30)
	defer pushLimiter.Stop()

	router := httphandler.NewRouter(httphandler.RouterDeps{
		Health:      handlers.NewHealthHandler(func() string { return manager.State().String() }),
		Download:    handlers.NewDownloadHandler(tokenIssuer, logger),
		Push:        hub,
		JWT:         jwtService,
		PushLimiter: pushLimiter,
		Logger:      logging.Component(logger, "http"),
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		err := manager.Run(ctx)
		switch {
		case errors.Is(err, wa.ErrLoggedOut):
			level.Warn(logger).Log("msg", "messaging session logged out; pair again and restart")
		case err != nil && !errors.Is(err, context.Canceled):
			level.Error(logger).Log("msg", "connection manager stopped", "err", err)
		}
	}()

	// Wait for a signal or a server failure
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		level.Error(logger).Log("msg", "server failed", "err", err)
	}
	stop()

	level.Info(logger).Log("msg", "shutting down")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		level.Error(logger).Log("msg", "server forced to shutdown", "err", shutdownErr)
	}

	select {
	case <-managerDone:
	case <-shutdownCtx.Done():
		level.Warn(logger).Log("msg", "connection manager did not stop in time")
	}

	level.Info(logger).Log("msg", "server exited")
	return err
}
