// The api binary serves the entity store over HTTP. It runs as a plain
// server locally and switches to the API Gateway proxy adapter when
// deployed as a Lambda function.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"go.uber.org/zap"

	"relay-backend/internal/config"
	"relay-backend/internal/di"
)

var (
	chiLambda *chiadapter.ChiLambdaV2
	container *di.Container

	coldStart     = true
	coldStartTime time.Time
)

func main() {
	coldStartTime = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := config.NewLoader("", config.CurrentEnvironment())
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	container, err = di.NewContainerFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize container: %v", err)
	}

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		runLambda()
		return
	}
	runServer(ctx, loader)
}

func runLambda() {
	chiLambda = chiadapter.NewV2(container.Router)
	container.Logger.Info("lambda initialized",
		zap.Duration("cold_start", time.Since(coldStartTime)),
	)
	lambda.Start(Handler)
}

// Handler proxies API Gateway v2 events through the chi router.
func Handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	resp, err := chiLambda.ProxyWithContextV2(ctx, req)

	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	if coldStart {
		resp.Headers["X-Cold-Start"] = "true"
		resp.Headers["X-Cold-Start-Duration"] = time.Since(coldStartTime).String()
		coldStart = false
	} else {
		resp.Headers["X-Cold-Start"] = "false"
	}
	return resp, err
}

func runServer(ctx context.Context, loader *config.Loader) {
	cfg := container.Config
	logger := container.Logger

	watcher := watchConfig(loader, cfg, logger)
	if watcher != nil {
		defer watcher.Stop()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting server",
			zap.String("address", srv.Addr),
			zap.String("environment", string(cfg.Environment)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := container.Shutdown(shutdownCtx); err != nil {
		logger.Error("container shutdown error", zap.Error(err))
	}
	log.Println("server stopped")
}

// watchConfig hot-reloads configuration files in server mode. Cached reads
// are flushed on every reload so changed store settings take effect without
// serving stale records. Returns nil when there is no config directory to
// watch.
func watchConfig(loader *config.Loader, cfg *config.Config, logger *zap.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(loader, cfg, logger)
	if err != nil {
		logger.Debug("config watching disabled", zap.Error(err))
		return nil
	}
	watcher.OnChange(func(_ *config.Config) {
		container.Orders.FlushCache()
		container.Customers.FlushCache()
	})
	return watcher
}
