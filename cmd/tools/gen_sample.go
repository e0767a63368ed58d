package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

type genSampleOptions struct {
	outDir string
	files  int
	rows   int
	users  int
	codec  string
	prefix string
}

var sampleCities = []string{"NY", "LA", "SF", "CHI", "HOU"}

func runGenSample(args []string) error {
	flags := flag.NewFlagSet("gen-sample", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: tabq-tools gen-sample [options]")
		fmt.Println("")
		fmt.Println("Writes sample_<n>.parquet files with columns name, age, city, signup_date, balance.")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := genSampleOptions{}
	flags.StringVar(&opts.outDir, "out", getenvDefault("SAMPLE_DIR", "data"), "output directory")
	flags.IntVar(&opts.files, "files", 5, "number of files")
	flags.IntVar(&opts.rows, "rows", 1_000_000, "rows per file")
	flags.IntVar(&opts.users, "users", 1000, "distinct user names")
	flags.StringVar(&opts.codec, "codec", "zstd", "parquet compression codec")
	flags.StringVar(&opts.prefix, "prefix", "sample", "file name prefix")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close()

	paths, err := generateSamples(context.Background(), db, opts)
	if err != nil {
		return err
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", p, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// generateSamples writes opts.files Parquet files and returns their paths.
func generateSamples(ctx context.Context, db *sql.DB, opts genSampleOptions) ([]string, error) {
	if opts.files < 1 || opts.rows < 1 || opts.users < 1 {
		return nil, fmt.Errorf("files, rows and users must be positive")
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	paths := make([]string, 0, opts.files)
	for i := 0; i < opts.files; i++ {
		path := filepath.Join(opts.outDir, fmt.Sprintf("%s_%d.parquet", opts.prefix, i))
		stmt := fmt.Sprintf(`COPY (%s) TO '%s' (FORMAT PARQUET, COMPRESSION %s)`,
			sampleQuery(opts.rows, opts.users), strings.ReplaceAll(path, "'", "''"), opts.codec)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		zap.S().Debugw("sample file written", "path", path, "rows", opts.rows)
		paths = append(paths, path)
	}
	return paths, nil
}

func sampleQuery(rows, users int) string {
	quoted := make([]string, len(sampleCities))
	for i, c := range sampleCities {
		quoted[i] = "'" + c + "'"
	}
	return fmt.Sprintf(`SELECT
	'user_' || CAST(floor(random() * %d) AS BIGINT) AS name,
	CAST(18 + floor(random() * 62) AS BIGINT) AS age,
	([%s])[1 + CAST(floor(random() * %d) AS BIGINT)] AS city,
	DATE '2020-01-01' + CAST(floor(random() * 367) AS INTEGER) AS signup_date,
	random() * 10000 AS balance
FROM range(%d)`, users, strings.Join(quoted, ", "), len(sampleCities), rows)
}
