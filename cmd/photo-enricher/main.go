package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	photoenricher "github.com/menta2k/photo-enricher"
	"github.com/menta2k/photo-enricher/internal/logging"
	"github.com/menta2k/photo-enricher/internal/utils"
	"github.com/menta2k/photo-enricher/pkg/config"
)

const shutdownTimeout = 15 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [-config file] <command> [args]

commands:
  serve                 run the HTTP API
  analyze <paths...>    analyze image files or directories and print the batch report
  seed                  create the database schema and default categories
  init-config [file]    write the default configuration
  version               print the version
`, filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	var configPath, addr, model, backend string
	var concurrency int

	flag.StringVar(&configPath, "config", "", "configuration file (json or yaml)")
	flag.StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	flag.StringVar(&model, "model", "", "model name, overrides ai.model")
	flag.StringVar(&backend, "backend", "", "backend to use: openrouter or ollama")
	flag.IntVar(&concurrency, "concurrency", 0, "batch concurrency, overrides pipeline.batch_concurrency")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "version":
		fmt.Println(photoenricher.GetVersion())
		return
	case "init-config":
		target := config.GetConfigPath()
		if len(args) > 0 {
			target = args[0]
		}
		if err := config.Default().SaveToFile(target); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s\n", target)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if model != "" {
		cfg.AI.Model = model
	}
	if backend != "" {
		cfg.AI.Backend = backend
	}
	if concurrency > 0 {
		cfg.Pipeline.BatchConcurrency = concurrency
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// stdout carries command output such as the analyze report
	logger := logging.NewWithOutput(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enricher, err := photoenricher.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize")
	}
	defer enricher.Close()

	switch cmd {
	case "serve":
		err = serve(ctx, enricher, cfg.Server.Addr, logger)
	case "analyze":
		err = analyze(ctx, enricher, args)
	case "seed":
		logger.Info("schema and default categories are up to date")
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Error("command failed")
		enricher.Close()
		os.Exit(1)
	}
}

func serve(ctx context.Context, enricher *photoenricher.Enricher, addr string, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           enricher.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func analyze(ctx context.Context, enricher *photoenricher.Enricher, args []string) error {
	if len(args) == 0 {
		return errors.New("analyze needs at least one file or directory")
	}
	paths, err := utils.ExpandImagePaths(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no image files found in %v", args)
	}

	report, batchErr := enricher.AnalyzeFiles(ctx, paths)
	js, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(js))
	return batchErr
}
