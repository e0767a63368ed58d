package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/lychee-technology/tabq"
	"go.uber.org/zap"
)

// SpillUploader publishes a spilled file elsewhere and returns its location.
type SpillUploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// MaterializerConfig configures result delivery.
type MaterializerConfig struct {
	// InlineThreshold is the largest compressed size delivered inline.
	InlineThreshold int
	SpillDir        string
	// Level is a zstd encoder level (1-4); 0 selects the default.
	Level int
}

// Materializer packages a finished table into a job payload. Results whose
// compressed encoding fits InlineThreshold are returned as those bytes;
// larger ones are written uncompressed to SpillDir/output_<job>.feather and
// returned as a path. Spill files are never cleaned up here.
type Materializer struct {
	serializer TableSerializer
	cfg        MaterializerConfig
	encoder    *zstd.Encoder
	uploader   SpillUploader
}

// NewMaterializer creates a materializer. uploader may be nil.
func NewMaterializer(serializer TableSerializer, cfg MaterializerConfig, uploader SpillUploader) (*Materializer, error) {
	level := zstd.SpeedDefault
	if cfg.Level > 0 {
		level = zstd.EncoderLevel(cfg.Level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	if cfg.SpillDir == "" {
		cfg.SpillDir = "."
	}
	return &Materializer{
		serializer: serializer,
		cfg:        cfg,
		encoder:    enc,
		uploader:   uploader,
	}, nil
}

// SpillPath returns where the result of jobID is spilled.
func (m *Materializer) SpillPath(jobID uint64) string {
	return filepath.Join(m.cfg.SpillDir, fmt.Sprintf("output_%d.feather", jobID))
}

// Materialize serializes t and chooses inline or spilled delivery.
//
// A spilled result is always written to SpillPath(jobID) and left on disk.
// When an uploader is configured and the upload succeeds, Payload.Path is the
// uploaded object's s3://bucket/prefix/output_<id>.feather URI instead of the
// local path; a failed upload is logged and the local path is returned.
func (m *Materializer) Materialize(ctx context.Context, jobID uint64, t *Table) (tabq.Payload, error) {
	start := time.Now()
	defer func() { EmitLatency(ctx, "materialize", time.Since(start).Milliseconds()) }()

	raw, err := m.serializer.Serialize(ctx, t)
	if err != nil {
		return tabq.Payload{}, err
	}
	compressed := m.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))

	if len(compressed) <= m.cfg.InlineThreshold {
		zap.S().Debugw("result inline", "jobID", jobID,
			"raw", humanize.Bytes(uint64(len(raw))), "compressed", humanize.Bytes(uint64(len(compressed))))
		EmitOutputBytes(ctx, "inline", int64(len(compressed)))
		return tabq.Payload{Kind: tabq.PayloadInline, Bytes: compressed}, nil
	}

	path := m.SpillPath(jobID)
	if err := os.MkdirAll(m.cfg.SpillDir, 0o755); err != nil {
		return tabq.Payload{}, spillError(path, err)
	}
	size, err := m.serializer.WriteToFile(ctx, t, path)
	if err != nil {
		return tabq.Payload{}, spillError(path, err)
	}
	zap.S().Infow("result spilled", "jobID", jobID, "path", path,
		"compressed", humanize.Bytes(uint64(len(compressed))), "file", humanize.Bytes(uint64(size)))
	EmitOutputBytes(ctx, "spilled", size)

	location := path
	if m.uploader != nil {
		if uri, err := m.uploader.Upload(ctx, path); err != nil {
			zap.S().Warnw("spill upload failed, returning local path", "jobID", jobID, "path", path, "err", err)
		} else {
			location = uri
		}
	}
	return tabq.Payload{Kind: tabq.PayloadSpilled, Path: location, FileSize: size}, nil
}

// Close releases encoder resources.
func (m *Materializer) Close() error {
	return m.encoder.Close()
}

func spillError(path string, cause error) error {
	return tabq.NewTabqError(tabq.ErrorTypeIO, tabq.ErrCodeSpillWriteFailed, "failed to write spill file").
		WithDetail("path", path).
		WithCause(cause)
}

// DecompressPayload reverses the inline encoding, yielding an Arrow IPC stream.
func DecompressPayload(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(b, nil)
}
