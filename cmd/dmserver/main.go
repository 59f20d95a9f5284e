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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/jacentio/directmsg/config"
	"github.com/jacentio/directmsg/internal/app"
	"github.com/jacentio/directmsg/internal/logging"
	"github.com/jacentio/directmsg/transport/httpapi"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load(".env")

	if err := run(*configPath); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, flush, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup_failed", zap.Error(err))
		return err
	}
	defer a.Close()

	gin.SetMode(cfg.Server.Mode)
	router := httpapi.NewRouter(httpapi.NewHandler(a.Service, logger.Named("http"), a.Metrics),
		httpapi.RouterConfig{CORSOrigins: cfg.Server.CORSOrigins})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server_failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		logger.Info("server_shutting_down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", zap.Error(err))
		return err
	}
	logger.Info("server_stopped")
	return nil
}
