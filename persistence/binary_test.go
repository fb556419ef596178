package persistence

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewBinaryWriter(&buf)

	require.NoError(t, w.WriteHeader(&FileHeader{
		Kind:      KindANNIndex,
		Count:     42,
		Dimension: 384,
	}))

	r := NewBinaryReader(&buf)
	h, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(MagicNumber), h.Magic)
	assert.Equal(t, uint8(KindANNIndex), h.Kind)
	assert.Equal(t, uint64(42), h.Count)
	assert.Equal(t, uint32(384), h.Dimension)
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	w := NewBinaryWriter(&buf)
	require.NoError(t, w.WriteHeader(&FileHeader{Kind: KindANNIndex}))

	data := buf.Bytes()
	data[0] ^= 0xff

	_, err := NewBinaryReader(bytes.NewReader(data)).ReadHeader()
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestSliceRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewBinaryWriter(&buf)

	floats := []float32{1.5, -2.25, 3.125}
	uints := []uint32{7, 0, 4294967295}
	require.NoError(t, w.WriteFloat32Slice(floats))
	require.NoError(t, w.WriteUint32Slice(uints))
	require.NoError(t, w.WriteUint32(99))

	r := NewBinaryReader(&buf)
	gotF, err := r.ReadFloat32Slice(len(floats))
	require.NoError(t, err)
	assert.Equal(t, floats, gotF)

	gotU, err := r.ReadUint32Slice(len(uints))
	require.NoError(t, err)
	assert.Equal(t, uints, gotU)

	v, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(99), v)
}

func TestSaveToFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.bin")

	require.NoError(t, SaveToFile(path, func(w io.Writer) error {
		_, err := w.Write([]byte("payload"))
		return err
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveToFileWriteError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.bin")

	wantErr := assert.AnError
	err := SaveToFile(path, func(io.Writer) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// Failed saves never leave a target or temp file.
	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestLoadFromFileMissing(t *testing.T) {
	err := LoadFromFile(filepath.Join(t.TempDir(), "missing.bin"), func(io.Reader) error {
		return nil
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
