package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/jacentio/directmsg/config"
	"github.com/jacentio/directmsg/internal/app"
	"github.com/jacentio/directmsg/internal/logging"
	"github.com/jacentio/directmsg/transport/lambdaapi"
)

// DM_CONFIG_FILE optionally names a config file. DM_ variables override it.
func main() {
	cfg, err := config.Load(os.Getenv("DM_CONFIG_FILE"))
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, flush, err := logging.New(cfg.Log)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("startup_failed", zap.Error(err))
	}
	defer a.Close()

	h := lambdaapi.NewHandler(a.Service, logger.Named("lambda"), a.Metrics)
	lambda.Start(h.Handle)
}
