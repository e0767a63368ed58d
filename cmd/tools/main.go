package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init-metrics-db":
		if err := runInitDB(os.Args[2:]); err != nil {
			sugar.Fatalf("init-metrics-db: %v", err)
		}
	case "check-deps":
		if err := runCheckDeps(os.Args[2:]); err != nil {
			sugar.Fatalf("check-deps: %v", err)
		}
	case "gen-sample":
		if err := runGenSample(os.Args[2:]); err != nil {
			sugar.Fatalf("gen-sample: %v", err)
		}
	default:
		sugar.Errorf("unknown command %q", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	logger := zap.S()
	logger.Info("Usage: tabq-tools <command> [options]")
	logger.Info("")
	logger.Info("Commands:")
	logger.Info("  init-metrics-db   Create the PostgreSQL table for completed-query metrics")
	logger.Info("  check-deps        Check the metrics database and S3 endpoint")
	logger.Info("  gen-sample        Write sample Parquet files for local testing")
}
