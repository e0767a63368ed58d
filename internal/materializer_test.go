package internal

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/lychee-technology/tabq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSerializer returns fixed bytes and writes them verbatim on spill.
type fakeSerializer struct {
	data     []byte
	writeErr error
	written  []string
}

func (f *fakeSerializer) Serialize(context.Context, *Table) ([]byte, error) {
	return f.data, nil
}

func (f *fakeSerializer) WriteToFile(_ context.Context, _ *Table, path string) (int64, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, path)
	if err := os.WriteFile(path, f.data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(f.data)), nil
}

type fakeUploader struct {
	err   error
	paths []string
}

func (u *fakeUploader) Upload(_ context.Context, localPath string) (string, error) {
	u.paths = append(u.paths, localPath)
	if u.err != nil {
		return "", u.err
	}
	return "s3://bucket/spill/" + filepath.Base(localPath), nil
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func newTestMaterializer(t *testing.T, s TableSerializer, u SpillUploader) (*Materializer, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewMaterializer(s, MaterializerConfig{InlineThreshold: 1_000_000, SpillDir: dir}, u)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, dir
}

func TestMaterializer_SmallResultInline(t *testing.T) {
	raw := bytes.Repeat([]byte("abc"), 10_000)
	m, dir := newTestMaterializer(t, &fakeSerializer{data: raw}, nil)

	p, err := m.Materialize(context.Background(), 7, &Table{})
	require.NoError(t, err)
	assert.Equal(t, tabq.PayloadInline, p.Kind)
	assert.Less(t, len(p.Bytes), len(raw))
	assert.Empty(t, p.Path)

	decoded, err := DecompressPayload(p.Bytes)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	_, err = os.Stat(filepath.Join(dir, "output_7.feather"))
	assert.True(t, os.IsNotExist(err))
}

func TestMaterializer_LargeCompressibleResultStaysInline(t *testing.T) {
	// 5MB raw but tiny once compressed: the threshold applies to compressed size.
	raw := make([]byte, 5_000_000)
	m, _ := newTestMaterializer(t, &fakeSerializer{data: raw}, nil)

	p, err := m.Materialize(context.Background(), 1, &Table{})
	require.NoError(t, err)
	assert.Equal(t, tabq.PayloadInline, p.Kind)
	assert.LessOrEqual(t, len(p.Bytes), 1_000_000)
}

func TestMaterializer_IncompressibleResultSpills(t *testing.T) {
	raw := randomBytes(t, 1_200_000)
	s := &fakeSerializer{data: raw}
	m, dir := newTestMaterializer(t, s, nil)

	p, err := m.Materialize(context.Background(), 42, &Table{})
	require.NoError(t, err)
	assert.Equal(t, tabq.PayloadSpilled, p.Kind)
	assert.Nil(t, p.Bytes)

	want := filepath.Join(dir, "output_42.feather")
	assert.Equal(t, want, p.Path)
	assert.Equal(t, int64(len(raw)), p.Size())

	onDisk, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, raw, onDisk, "spill file holds the uncompressed table")
}

func TestMaterializer_ThresholdBoundary(t *testing.T) {
	raw := randomBytes(t, 4096)
	m, err := NewMaterializer(&fakeSerializer{data: raw}, MaterializerConfig{SpillDir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer m.Close()

	compressed := m.encoder.EncodeAll(raw, nil)

	m.cfg.InlineThreshold = len(compressed)
	p, err := m.Materialize(context.Background(), 1, &Table{})
	require.NoError(t, err)
	assert.Equal(t, tabq.PayloadInline, p.Kind, "equal to threshold is inline")

	m.cfg.InlineThreshold = len(compressed) - 1
	p, err = m.Materialize(context.Background(), 2, &Table{})
	require.NoError(t, err)
	assert.Equal(t, tabq.PayloadSpilled, p.Kind)
}

func TestMaterializer_SpillWriteFailure(t *testing.T) {
	s := &fakeSerializer{data: randomBytes(t, 1_100_000), writeErr: errors.New("disk full")}
	m, _ := newTestMaterializer(t, s, nil)

	p, err := m.Materialize(context.Background(), 3, &Table{})
	require.Error(t, err)
	assert.Equal(t, tabq.ErrCodeSpillWriteFailed, tabq.ErrorCode(err))
	assert.Equal(t, tabq.PayloadEmpty, p.Kind)
}

func TestMaterializer_SpillUpload(t *testing.T) {
	u := &fakeUploader{}
	m, dir := newTestMaterializer(t, &fakeSerializer{data: randomBytes(t, 1_100_000)}, u)

	p, err := m.Materialize(context.Background(), 9, &Table{})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/spill/output_9.feather", p.Path)
	assert.Equal(t, []string{filepath.Join(dir, "output_9.feather")}, u.paths)

	_, err = os.Stat(filepath.Join(dir, "output_9.feather"))
	assert.NoError(t, err, "local spill file is kept")
}

func TestMaterializer_SpillUploadFailureFallsBack(t *testing.T) {
	u := &fakeUploader{err: errors.New("bucket gone")}
	m, dir := newTestMaterializer(t, &fakeSerializer{data: randomBytes(t, 1_100_000)}, u)

	p, err := m.Materialize(context.Background(), 10, &Table{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "output_10.feather"), p.Path)
}

func TestMaterializer_WithDuckDBEngine(t *testing.T) {
	e, client := newTestEngine(t)
	path := writeParquet(t, client, "people.parquet", peopleRows)
	tbl, err := e.Load(context.Background(), path)
	require.NoError(t, err)

	m, _ := newTestMaterializer(t, e, nil)
	p, err := m.Materialize(context.Background(), 1, tbl)
	require.NoError(t, err)
	require.Equal(t, tabq.PayloadInline, p.Kind)

	stream, err := DecompressPayload(p.Bytes)
	require.NoError(t, err)
	r, err := ipc.NewReader(bytes.NewReader(stream))
	require.NoError(t, err)
	defer r.Release()
	require.True(t, r.Next())
	assert.EqualValues(t, 4, r.Record().NumRows())
}
