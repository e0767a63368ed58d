package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lychee-technology/tabq"
	"github.com/lychee-technology/tabq/internal"
	"go.uber.org/multierr"
)

type checkDepsOptions struct {
	db           initDBOptions
	skipPostgres bool
	s3Endpoint   string
	timeout      time.Duration
}

func runCheckDeps(args []string) error {
	flags := flag.NewFlagSet("check-deps", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: tabq-tools check-deps [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := checkDepsOptions{}
	flags.StringVar(&opts.db.host, "db-host", getenvDefault("DB_HOST", "localhost"), "metrics database host")
	flags.IntVar(&opts.db.port, "db-port", getenvDefaultInt("DB_PORT", 5432), "metrics database port")
	flags.StringVar(&opts.db.database, "db-name", getenvDefault("DB_NAME", "tabq"), "metrics database name")
	flags.StringVar(&opts.db.user, "db-user", getenvDefault("DB_USER", "postgres"), "metrics database user")
	flags.StringVar(&opts.db.password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "metrics database password")
	flags.StringVar(&opts.db.sslMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "metrics database sslmode")
	flags.StringVar(&opts.db.table, "metrics-table", getenvDefault("METRICS_TABLE", "query_metrics"), "metrics table that must exist")
	flags.BoolVar(&opts.skipPostgres, "skip-postgres", false, "do not check the metrics database")
	flags.StringVar(&opts.s3Endpoint, "s3-endpoint", getenvDefault("S3_ENDPOINT", ""), "custom S3 endpoint to check (empty skips)")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-check timeout")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	return checkDeps(context.Background(), opts)
}

func (o checkDepsOptions) postgresConfig() tabq.PostgresMetricsConfig {
	return tabq.PostgresMetricsConfig{
		Enabled:        true,
		Host:           o.db.host,
		Port:           o.db.port,
		Database:       o.db.database,
		Username:       o.db.user,
		Password:       o.db.password,
		SSLMode:        o.db.sslMode,
		Table:          o.db.table,
		MaxConnections: 1,
		Timeout:        o.timeout,
	}
}

// checkDeps checks the external services the server may be configured with
// and reports every failure, not only the first.
func checkDeps(ctx context.Context, opts checkDepsOptions) error {
	var err error
	if !opts.skipPostgres {
		if perr := internal.PostgresHealthCheck(ctx, opts.postgresConfig()); perr != nil {
			err = multierr.Append(err, perr)
		} else {
			fmt.Printf("postgres %s:%d ok\n", opts.db.host, opts.db.port)
		}
	}
	if opts.s3Endpoint != "" {
		if serr := internal.S3EndpointHealthCheck(ctx, opts.s3Endpoint, opts.timeout); serr != nil {
			err = multierr.Append(err, serr)
		} else {
			fmt.Printf("s3 endpoint %s ok\n", opts.s3Endpoint)
		}
	}
	return err
}
