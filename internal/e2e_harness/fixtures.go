package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lychee-technology/tabq"
	"github.com/lychee-technology/tabq/internal"
)

// PeopleRow is one row of the people fixture.
type PeopleRow struct {
	Name string
	Age  int
	City string
}

// People is the fixture written by WritePeopleParquet.
var People = []PeopleRow{
	{"John 1", 31, "Paris"},
	{"Johnny", 26, "Rome"},
	{"Johnny Jr", 17, "Paris"},
	{"Joan", 45, "Oslo"},
	{"Jane", 32, "Rome"},
}

// WritePeopleParquet creates people.parquet via DuckDB by loading a CSV and
// exporting it. It returns the local path.
func WritePeopleParquet(ctx context.Context, duck *internal.DuckDBClient, outDir string) (string, error) {
	if duck == nil || duck.DB == nil {
		return "", fmt.Errorf("duckdb client is nil")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	csvPath := filepath.Join(outDir, "people.csv")
	f, err := os.Create(csvPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.WriteString("name,age,city\n"); err != nil {
		return "", err
	}
	for _, r := range People {
		if _, err := fmt.Fprintf(f, "%s,%d,%s\n", r.Name, r.Age, r.City); err != nil {
			return "", err
		}
	}
	if err := f.Sync(); err != nil {
		return "", err
	}

	parquetPath := filepath.Join(outDir, "people.parquet")
	ctxExec, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := duck.DB.ExecContext(ctxExec, fmt.Sprintf(
		"COPY (SELECT * FROM read_csv_auto('%s')) TO '%s' (FORMAT PARQUET);", csvPath, parquetPath)); err != nil {
		return "", fmt.Errorf("export people parquet: %w", err)
	}
	return parquetPath, nil
}

// UploadFixture copies filePath to s3://bucket/prefix/<base name>, creating
// the bucket if needed, and returns the URI.
func UploadFixture(ctx context.Context, endpoint, bucket, prefix, filePath string) (string, error) {
	up, err := internal.NewS3SpillUploader(ctx, tabq.S3Config{
		Bucket:    bucket,
		Prefix:    prefix,
		Region:    "us-east-1",
		Endpoint:  endpoint,
		AccessKey: S3AccessKey,
		SecretKey: S3SecretKey,
		PathStyle: true,
	}, nil)
	if err != nil {
		return "", err
	}
	if err := up.EnsureBucket(ctx); err != nil {
		return "", err
	}
	return up.Upload(ctx, filePath)
}

// MetricsRow mirrors a row of the Postgres metrics table.
type MetricsRow struct {
	Query      string
	DurationMs int64
	Cost       int64
	OutputSize int64
}

// QueryMetricsRows reads the metrics table through database/sql, independent
// of the pgx path the service writes with.
func QueryMetricsRows(ctx context.Context, db *sql.DB, table string) ([]MetricsRow, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		"SELECT query, duration_ms, cost, output_size FROM %s ORDER BY id", table))
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricsRow
	for rows.Next() {
		var r MetricsRow
		if err := rows.Scan(&r.Query, &r.DurationMs, &r.Cost, &r.OutputSize); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
