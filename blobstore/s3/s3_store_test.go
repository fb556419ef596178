package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmart/semdex/blobstore"
)

type object struct {
	data        []byte
	contentType string
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]object
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]object)}
}

func (f *fakeS3) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = object{
		data:        data,
		contentType: aws.ToString(in.ContentType),
	}
	return &awss3.PutObjectOutput{}, nil
}

// Multipart entry points required by the transfer manager interface.
// Test blobs stay below the part size, so these are never reached.
func (f *fakeS3) CreateMultipartUpload(context.Context, *awss3.CreateMultipartUploadInput, ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error) {
	return nil, fmt.Errorf("multipart not supported by fake")
}

func (f *fakeS3) UploadPart(context.Context, *awss3.UploadPartInput, ...func(*awss3.Options)) (*awss3.UploadPartOutput, error) {
	return nil, fmt.Errorf("multipart not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *awss3.CompleteMultipartUploadInput, ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error) {
	return nil, fmt.Errorf("multipart not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *awss3.AbortMultipartUploadInput, ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error) {
	return nil, fmt.Errorf("multipart not supported by fake")
}

func (f *fakeS3) HeadObject(_ context.Context, in *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &awss3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	data := obj.data
	start, end := 0, len(data)-1
	if r := aws.ToString(in.Range); r != "" {
		fmt.Sscanf(r, "bytes=%d-%d", &start, &end)
		if end >= len(data) {
			end = len(data) - 1
		}
	}
	part := data[start : end+1]
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(part))),
		ContentLength: aws.Int64(int64(len(part))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))),
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeS3(), "bucket", "snapshots/")

	data := []byte("compressed snapshot payload")
	addr, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, blobstore.Address(data), addr)

	got, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetMissing(t *testing.T) {
	store := NewStore(newFakeS3(), "bucket", "")
	_, err := store.Get(context.Background(), "0000")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestGetRejectsHTMLErrorPage(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewStore(fake, "bucket", "")

	data := []byte("<html>403 Forbidden</html>")
	addr := blobstore.Address(data)
	fake.objects[addr] = object{data: data, contentType: "text/html; charset=utf-8"}

	_, err := store.Get(ctx, addr)
	assert.ErrorIs(t, err, blobstore.ErrNotBlob)
}

func TestGetDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewStore(fake, "bucket", "")

	data := []byte("original")
	addr, err := store.Put(ctx, data)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.objects[addr] = object{data: []byte("tampered!"), contentType: "application/octet-stream"}
	fake.mu.Unlock()

	_, err = store.Get(ctx, addr)
	assert.ErrorIs(t, err, blobstore.ErrDigestMismatch)
}

func TestDeleteMissingIsNoError(t *testing.T) {
	store := NewStore(newFakeS3(), "bucket", "")
	assert.NoError(t, store.Delete(context.Background(), "0000"))
}

func TestKeyPrefix(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := NewStore(fake, "bucket", "snapshots/")

	addr, err := store.Put(ctx, []byte("x"))
	require.NoError(t, err)

	fake.mu.Lock()
	_, ok := fake.objects["snapshots/"+addr]
	fake.mu.Unlock()
	assert.True(t, ok)
}
