package internal

import (
	"os"
	"testing"

	"go.uber.org/zap"
)

// TestMain routes the package's global logger to stdout. Set
// TABQ_TEST_LOG_LEVEL=debug to see per-step engine logs.
func TestMain(m *testing.M) {
	level := zap.NewAtomicLevelAt(zap.WarnLevel)
	if raw := os.Getenv("TABQ_TEST_LOG_LEVEL"); raw != "" {
		if parsed, err := zap.ParseAtomicLevel(raw); err == nil {
			level = parsed
		}
	}

	cfg := zap.Config{
		Level:            level,
		Development:      true,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)

	exitCode := m.Run()
	_ = logger.Sync()
	os.Exit(exitCode)
}
