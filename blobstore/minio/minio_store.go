// Package minio implements a content-addressed blob store over MinIO
// and other S3-compatible object storage.
package minio

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/gridmart/semdex/blobstore"
)

// Store implements blobstore.ContentStore for MinIO.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO content store.
// rootPrefix is prepended to all keys (e.g. "snapshots/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(address string) string {
	return path.Join(s.prefix, address)
}

// Put stores data under its content address. Re-uploading an existing
// blob is harmless: the content for an address never changes.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	addr := blobstore.Address(data)
	_, err := s.client.PutObject(ctx, s.bucket, s.key(addr),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
	if err != nil {
		return "", err
	}
	return addr, nil
}

// Get fetches and verifies the blob at address. Responses that come
// back as HTML (gateway error pages served with status 200) are
// rejected rather than treated as blob content.
func (s *Store) Get(ctx context.Context, address string) ([]byte, error) {
	key := s.key(address)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	if strings.HasPrefix(info.ContentType, "text/html") {
		return nil, blobstore.ErrNotBlob
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	if err := blobstore.Verify(address, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, address string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(address), minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil
		}
		return err
	}
	return nil
}

// List returns all stored addresses.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var addrs []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		addr := strings.TrimPrefix(obj.Key, s.prefix)
		addr = strings.TrimPrefix(addr, "/")
		if addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}
