// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/config"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/download"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/facade"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/history"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/registry"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/routes"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/storage"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/workflows"
)

const serviceName = "installer"

// initTracer configures the OTLP exporter. Tracing is optional: an
// empty endpoint returns a no-op cleanup.
func initTracer(endpoint string, logger *logging.Logger) (func(context.Context), error) {
	if endpoint == "" {
		logger.Debug("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildCorpusSource picks the template corpus backend: a GCS bundle when
// a bucket is configured, local template directories otherwise.
func buildCorpusSource(ctx context.Context, cfg *config.HarborConfig, logger *logging.Logger) (workflows.CorpusSource, func(), error) {
	if cfg.Corpus.Bucket != "" {
		bundle, err := workflows.NewBundleSource(ctx, cfg.Corpus.Bucket, cfg.Corpus.Prefix,
			cfg.Corpus.CredentialsFile, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using bundle corpus", "bucket", cfg.Corpus.Bucket, "prefix", cfg.Corpus.Prefix)
		return bundle, func() { bundle.Close() }, nil
	}
	return workflows.NewDirectorySource(cfg.Corpus.TemplateDirs, logger), func() {}, nil
}

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("failed to load the configuration: %v", err)
	}
	cfg := &config.Global

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	defer logger.Close()

	cleanup, err := initTracer(cfg.Server.OTLPEndpoint, logger)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Corpus, index, validator.
	source, closeSource, err := buildCorpusSource(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open the template corpus: %v", err)
	}
	defer closeSource()

	index := workflows.NewIndex(source, cfg.Corpus.SnapshotPath, logger)
	validator := workflows.NewValidator(index, logger)

	if dirSource, ok := source.(*workflows.DirectorySource); ok {
		watcher := workflows.NewCorpusWatcher(index, dirSource.Dirs(), logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("corpus watcher unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Storage registry and selector.
	reg := registry.New(cfg.Storage.Folders)
	selector := storage.NewSelector(reg, registry.NewStatfsProbe(),
		cfg.Storage.SafetyMarginMB<<20, logger)

	// Transfer history.
	hist, err := history.Open(cfg.Storage.HistoryDir, logger)
	if err != nil {
		log.Fatalf("failed to open the transfer history store: %v", err)
	}
	defer hist.Close()

	// Credentials and downloads.
	creds := download.NewCredentialStore(logger)
	creds.LoadAmbient(cfg.Auth.TokenFile, cfg.Auth.TokenEnv)
	downloads := download.NewManager(creds, hist, logger)

	installer := facade.New(validator, reg, selector, downloads, hist, logger)

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, installer, cfg)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("installer service listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
