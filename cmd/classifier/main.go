// Command classifier runs classification outside the API server: a one-off
// sweep of unclassified assets, or a standalone queue worker.
//
// Exit codes: 0 = success, 1 = error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auditconsole/classify/internal/app"
	"github.com/auditconsole/classify/internal/classification"
	"github.com/auditconsole/classify/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	sweep := flag.Bool("sweep", false, "Classify every unclassified asset once and exit")
	worker := flag.Bool("worker", false, "Run as a queue worker until interrupted")
	operator := flag.String("operator", classification.SystemOperator, "Operator recorded in history for -sweep")
	timeout := flag.Duration("timeout", 30*time.Minute, "Deadline for -sweep")
	flag.Parse()

	if *showVersion {
		fmt.Printf("classifier %s\n", app.BuildVersion())
		return
	}
	if *sweep == *worker {
		fmt.Fprintln(os.Stderr, "exactly one of -sweep or -worker is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// The standalone binary never runs cron jobs; -worker always needs the queue.
	cfg.Scheduler.Enabled = false
	cfg.Queue.Enabled = *worker

	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if *sweep {
		sweepCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()

		started := time.Now()
		n, err := a.Engine.ClassifyAllUnclassified(sweepCtx, *operator)
		if err != nil {
			logger.Error("sweep failed", "error", err)
			os.Exit(1)
		}
		logger.Info("sweep complete", "classified", n, "duration", time.Since(started))
		return
	}

	if err := a.Worker.Start(ctx); err != nil {
		logger.Error("start worker", "error", err)
		os.Exit(1)
	}
	logger.Info("worker running", "id", a.Worker.ID(), "concurrency", cfg.Queue.Workers)
	<-ctx.Done()
	a.Worker.Stop()
}
