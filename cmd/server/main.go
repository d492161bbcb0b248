package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/api"
	"github.com/rpattn/relcompose/internal/composer"
	"github.com/rpattn/relcompose/internal/config"
	"github.com/rpattn/relcompose/internal/export"
	"github.com/rpattn/relcompose/internal/gateway"
	"github.com/rpattn/relcompose/internal/gateway/memory"
	"github.com/rpattn/relcompose/internal/gateway/mongodb"
	"github.com/rpattn/relcompose/internal/gateway/postgres"
	"github.com/rpattn/relcompose/internal/ingestion"
	"github.com/rpattn/relcompose/internal/middleware"
	"github.com/rpattn/relcompose/internal/resolver"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	registry := gateway.NewRegistry(sugar)
	if err := registerGateways(ctx, registry, cfg, sugar); err != nil {
		sugar.Fatalw("failed to register gateways", "error", err)
	}
	defer registry.Close(context.Background())

	res := resolver.New(registry, sugar)
	comp := composer.New(registry, res, sugar)
	ing := ingestion.NewService(registry, sugar)
	exp := export.NewService(registry, comp, sugar)

	server := api.NewServer(registry, comp, ing, exp, sugar)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	handler := corsHandler.Handler(
		middleware.RequestIDMiddleware(
			middleware.LoggingMiddleware(sugar)(
				middleware.DataLoaderMiddleware(registry)(server.Routes()),
			),
		),
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sugar.Infow("starting server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugar.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		sugar.Fatalw("server forced to shutdown", "error", err)
	}
	sugar.Info("server exited")
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// registerGateways builds one adapter per configured source and registers
// it under its configured name.
func registerGateways(ctx context.Context, registry *gateway.Registry, cfg config.Config, logger *zap.SugaredLogger) error {
	for _, gc := range cfg.Gateways {
		var (
			gw  gateway.Gateway
			err error
		)
		switch gc.Kind {
		case "relational":
			pgConfig := postgres.Config{
				Host:     gc.Host,
				Port:     gc.Port,
				User:     gc.User,
				Password: gc.Password,
				DBName:   gc.DBName,
				SSLMode:  gc.SSLMode,
			}
			if cfg.MigrationsPath != "" {
				if err := postgres.RunMigrations(cfg.MigrationsPath, pgConfig); err != nil {
					return err
				}
			}
			pool, poolErr := postgres.NewPool(ctx, pgConfig)
			if poolErr != nil {
				err = poolErr
			} else {
				gw = postgres.New(pool, logger)
			}
		case "document":
			client, connErr := mongodb.Connect(ctx, gc.URI)
			if connErr != nil {
				err = connErr
			} else {
				gw = mongodb.New(client, gc.Database, logger)
			}
		case "memory", "":
			gw = memory.New()
		default:
			logger.Warnw("skipping gateway with unknown kind", "name", gc.Name, "kind", gc.Kind)
			continue
		}
		if err != nil {
			return err
		}
		if err := registry.RegisterGateway(gc.Name, gw); err != nil {
			return err
		}
		logger.Infow("registered gateway", "name", gc.Name, "kind", gc.Kind)
	}
	return nil
}
