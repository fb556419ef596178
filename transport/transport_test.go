package transport

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmart/semdex/blobstore"
	"github.com/gridmart/semdex/descriptor"
)

func newTestTransport(t *testing.T) (*Transport, *blobstore.MemoryStore, *descriptor.MemoryChannel) {
	t.Helper()
	store := blobstore.NewMemoryStore()
	channel := descriptor.NewMemoryChannel()
	tr, err := New(store, channel)
	require.NoError(t, err)
	return tr, store, channel
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTransport(t)

	snapshot := bytes.Repeat([]byte("row data "), 1000)
	d, err := tr.Upload(ctx, snapshot, UploadMeta{RowCount: 1000, CreatedBy: "builder-1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.Version)
	assert.Equal(t, 1000, d.RowCount)
	assert.Equal(t, "builder-1", d.CreatedBy)
	assert.NotEmpty(t, d.Address)

	got, err := tr.Download(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, snapshot, got)
}

func TestUploadCompresses(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTransport(t)

	// Highly redundant payload compresses well.
	snapshot := bytes.Repeat([]byte("aaaaaaaa"), 10000)
	d, err := tr.Upload(ctx, snapshot, UploadMeta{})
	require.NoError(t, err)

	stored, err := store.Get(ctx, d.Address)
	require.NoError(t, err)
	assert.Less(t, len(stored), len(snapshot)/10)
	assert.True(t, bytes.HasPrefix(stored, zstdMagic))
}

func TestUploadIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTransport(t)

	d1, err := tr.Upload(ctx, []byte("gen one"), UploadMeta{})
	require.NoError(t, err)
	d2, err := tr.Upload(ctx, []byte("gen two"), UploadMeta{})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), d1.Version)
	assert.Equal(t, uint64(2), d2.Version)

	latest, err := tr.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, d2.Address, latest.Address)
}

func TestUploadRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	channel := descriptor.NewMemoryChannel()
	tr, err := New(store, channel)
	require.NoError(t, err)

	// A competing publisher takes version 1 between our Latest and
	// Publish. Pre-seeding it forces exactly that collision path.
	require.NoError(t, channel.Publish(ctx, &descriptor.Descriptor{Version: 1, Address: "competitor"}))

	d, err := tr.Upload(ctx, []byte("ours"), UploadMeta{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d.Version)
}

func TestDownloadUncompressedPassThrough(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTransport(t)

	raw := []byte("legacy uncompressed snapshot")
	addr, err := store.Put(ctx, raw)
	require.NoError(t, err)

	got, err := tr.Download(ctx, &descriptor.Descriptor{Version: 1, Address: addr})
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDownloadMissingBlob(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTransport(t)

	_, err := tr.Download(ctx, &descriptor.Descriptor{Version: 1, Address: blobstore.Address([]byte("nope"))})
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
