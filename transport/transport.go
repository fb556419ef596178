// Package transport moves snapshot artifacts between peers: blobs go
// to a content-addressed store compressed with zstd, and a descriptor
// pointing at the blob is published on the discovery channel.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/gridmart/semdex/blobstore"
	"github.com/gridmart/semdex/descriptor"
)

// zstd frame magic, little-endian.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// publishAttempts bounds the conflict-retry loop when multiple
// builders publish concurrently.
const publishAttempts = 5

// Options configures a Transport.
type Options struct {
	// Logger receives structured transfer logs.
	Logger *slog.Logger

	// CompressionLevel for snapshot blobs.
	CompressionLevel zstd.EncoderLevel

	// Now is the clock stamped onto published descriptors.
	Now func() time.Time
}

// Transport binds a content store and a descriptor channel.
type Transport struct {
	store   blobstore.ContentStore
	channel descriptor.Channel
	opts    Options
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// New creates a Transport.
func New(store blobstore.ContentStore, channel descriptor.Channel, optFns ...func(o *Options)) (*Transport, error) {
	opts := Options{CompressionLevel: zstd.SpeedDefault}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(opts.CompressionLevel))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Transport{
		store:   store,
		channel: channel,
		opts:    opts,
		enc:     enc,
		dec:     dec,
	}, nil
}

// UploadMeta carries descriptor fields for a publish.
type UploadMeta struct {
	RowCount  int
	CreatedBy string
}

// Upload compresses and stores a snapshot, then publishes a descriptor
// for it at the next free version. Version conflicts with concurrent
// publishers are retried a bounded number of times.
func (t *Transport) Upload(ctx context.Context, snapshot []byte, meta UploadMeta) (*descriptor.Descriptor, error) {
	compressed := t.enc.EncodeAll(snapshot, nil)

	addr, err := t.store.Put(ctx, compressed)
	if err != nil {
		return nil, fmt.Errorf("store snapshot blob: %w", err)
	}

	t.opts.Logger.InfoContext(ctx, "snapshot blob stored",
		"address", addr,
		"raw_bytes", len(snapshot),
		"compressed_bytes", len(compressed),
	)

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		var version uint64 = 1
		latest, err := t.channel.Latest(ctx)
		switch {
		case err == nil:
			version = latest.Version + 1
		case err == descriptor.ErrEmpty:
			// First publish on this channel.
		default:
			return nil, fmt.Errorf("resolve latest descriptor: %w", err)
		}

		d := &descriptor.Descriptor{
			Version:   version,
			Address:   addr,
			RowCount:  meta.RowCount,
			CreatedAt: t.opts.Now().UTC(),
			CreatedBy: meta.CreatedBy,
		}
		if err := t.channel.Publish(ctx, d); err != nil {
			if err == descriptor.ErrConflict {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("publish descriptor: %w", err)
		}

		t.opts.Logger.InfoContext(ctx, "descriptor published",
			"version", d.Version,
			"address", d.Address,
			"row_count", d.RowCount,
		)
		return d, nil
	}
	return nil, fmt.Errorf("publish descriptor: %w", lastErr)
}

// Download fetches a published snapshot blob and decompresses it.
// Blobs written before compression was introduced pass through as-is.
func (t *Transport) Download(ctx context.Context, d *descriptor.Descriptor) ([]byte, error) {
	data, err := t.store.Get(ctx, d.Address)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot blob %s: %w", d.Address, err)
	}

	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	raw, err := t.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot blob %s: %w", d.Address, err)
	}

	t.opts.Logger.DebugContext(ctx, "snapshot blob fetched",
		"address", d.Address,
		"raw_bytes", len(raw),
	)
	return raw, nil
}

// Latest resolves the current descriptor on the channel.
func (t *Transport) Latest(ctx context.Context) (*descriptor.Descriptor, error) {
	return t.channel.Latest(ctx)
}
