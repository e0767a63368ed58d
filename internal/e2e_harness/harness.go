package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/lychee-technology/tabq"
	"github.com/lychee-technology/tabq/internal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestHarness holds lightweight runners for dependencies used by E2E tests.
type TestHarness struct {
	PGContainer testcontainers.Container
	PGDSN       string
	PGDB        *sql.DB
	S3Container testcontainers.Container
	S3Endpoint  string
	Duck        *internal.DuckDBClient
}

// Harness credentials shared by the containers and the service config.
const (
	PGUser      = "postgres"
	PGPassword  = "password"
	PGDatabase  = "postgres"
	S3AccessKey = "minio"
	S3SecretKey = "minio123"
)

// StartPostgres starts a postgres container and returns a DSN.
// It waits until Postgres is reachable. Caller is responsible for calling StopPostgres.
func (h *TestHarness) StartPostgres(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": PGPassword,
			"POSTGRES_USER":     PGUser,
			"POSTGRES_DB":       PGDatabase,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}
	h.PGContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", err
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", PGUser, PGPassword, host, mapped.Port(), PGDatabase)
	h.PGDSN = dsn

	// Open DB connection
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return "", err
	}
	// Wait until reachable
	deadline := time.Now().Add(20 * time.Second)
	for {
		if err := db.PingContext(ctx); err == nil {
			h.PGDB = db
			return dsn, nil
		}
		if time.Now().After(deadline) {
			db.Close()
			return "", fmt.Errorf("postgres did not become ready: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// StopPostgres stops the Postgres container and closes DB handle.
func (h *TestHarness) StopPostgres(ctx context.Context) error {
	if h.PGDB != nil {
		h.PGDB.Close()
		h.PGDB = nil
	}
	if h.PGContainer != nil {
		if err := h.PGContainer.Terminate(ctx); err != nil {
			return err
		}
		h.PGContainer = nil
	}
	return nil
}

// StartS3 starts an S3-compatible container and returns its endpoint.
func (h *TestHarness) StartS3(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "rustfs/rustfs:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"RUSTFS_ACCESS_KEY": S3AccessKey,
			"RUSTFS_SECRET_KEY": S3SecretKey,
		},
		WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}
	h.S3Container = container
	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := container.MappedPort(ctx, "9000")
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("http://%s:%s", host, mapped.Port())
	h.S3Endpoint = endpoint
	return endpoint, nil
}

// StopS3 stops the MinIO container.
func (h *TestHarness) StopS3(ctx context.Context) error {
	if h.S3Container != nil {
		if err := h.S3Container.Terminate(ctx); err != nil {
			return err
		}
		h.S3Container = nil
	}
	return nil
}

// StartDuckDB opens a fixture DuckDB client, separate from the service's own.
func (h *TestHarness) StartDuckDB(cfg tabq.DuckDBConfig) error {
	c, err := internal.NewDuckDBClient(cfg)
	if err != nil {
		return err
	}
	h.Duck = c
	return nil
}

// StopDuckDB closes the duckdb client.
func (h *TestHarness) StopDuckDB() error {
	if h.Duck != nil {
		if err := h.Duck.Close(); err != nil {
			return err
		}
		h.Duck = nil
	}
	return nil
}

// PGEndpoint returns the container host and mapped port.
func (h *TestHarness) PGEndpoint(ctx context.Context) (string, int, error) {
	if h.PGContainer == nil {
		return "", 0, fmt.Errorf("postgres not started")
	}
	host, err := h.PGContainer.Host(ctx)
	if err != nil {
		return "", 0, err
	}
	mapped, err := h.PGContainer.MappedPort(ctx, "5432")
	if err != nil {
		return "", 0, err
	}
	return host, mapped.Int(), nil
}

// ServiceConfig returns a config whose metrics sink and spill bucket point
// at the harness containers.
func (h *TestHarness) ServiceConfig(ctx context.Context, workDir, bucket string) (*tabq.Config, error) {
	host, port, err := h.PGEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	cfg := tabq.DefaultConfig()
	cfg.DuckDB.EnableS3 = true
	cfg.DuckDB.S3Endpoint = h.S3Endpoint
	cfg.DuckDB.S3AccessKey = S3AccessKey
	cfg.DuckDB.S3SecretKey = S3SecretKey
	cfg.DuckDB.S3Region = "us-east-1"

	cfg.Output.SpillDir = workDir
	cfg.Metrics.Dir = workDir

	pg := &cfg.Metrics.Postgres
	pg.Enabled = true
	pg.Host = host
	pg.Port = port
	pg.Database = PGDatabase
	pg.Username = PGUser
	pg.Password = PGPassword
	pg.Table = "query_metrics_e2e"

	cfg.S3 = tabq.S3Config{
		Enabled:   true,
		Bucket:    bucket,
		Prefix:    "spill",
		Region:    "us-east-1",
		Endpoint:  h.S3Endpoint,
		AccessKey: S3AccessKey,
		SecretKey: S3SecretKey,
		PathStyle: true,
	}
	return cfg, nil
}
