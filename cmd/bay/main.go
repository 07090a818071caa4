package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"bay/internal/api"
	"bay/internal/config"
	"bay/internal/docker"
	"bay/internal/logging"
	"bay/internal/ship"
	"bay/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			fmt.Fprintln(os.Stderr, "no .env file found, using environment variables")
		}
	}

	logging.Init()
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", zap.Error(err))
	}

	st, err := store.New(cfg.DatabaseURL, cfg.Debug)
	if err != nil {
		logging.L().Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	ctx := context.Background()
	driver, err := docker.NewDriver(ctx, cfg.DockerImage, cfg.DockerNetwork)
	if err != nil {
		logging.L().Fatal("failed to connect to container runtime", zap.Error(err))
	}
	defer driver.Close()

	forwarder := ship.NewForwarder()
	probe := ship.NewReadinessProbe(cfg.ShipHealthCheckInterval, cfg.ShipHealthCheckTimeout)
	service := ship.NewService(cfg, st, driver, forwarder, probe)
	defer service.Close()

	// Ships that survived a restart resume their TTL countdowns.
	if err := service.ArmExisting(); err != nil {
		logging.L().Error("failed to re-arm ship timers", zap.Error(err))
	}

	router := api.NewRouter(cfg, service)
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logging.L().Info("bay listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logging.L().Fatal("server failed", zap.Error(err))
	case sig := <-quit:
		logging.L().Info("starting graceful shutdown", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.L().Error("http server shutdown", zap.Error(err))
	}

	logging.L().Info("shutdown complete")
}
