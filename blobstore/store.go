// Package blobstore provides content-addressed storage for snapshot
// artifacts. Blobs are immutable and addressed by the hex SHA-256 of
// their content; implementations verify the digest of everything they
// hand back.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// ErrDigestMismatch is returned when fetched content does not hash to
// its address.
var ErrDigestMismatch = errors.New("blob content does not match its address")

// ErrNotBlob is returned when a fetch produced something that is not
// blob content, such as an HTML error page from a misbehaving gateway.
var ErrNotBlob = errors.New("fetched content is not a blob")

// ContentStore is an immutable, content-addressed blob store.
type ContentStore interface {
	// Put stores data and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)

	// Get fetches the blob at address, verifying its digest.
	Get(ctx context.Context, address string) ([]byte, error)
}

// Address returns the content address for data: the hex SHA-256 digest.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks data against its claimed address.
func Verify(address string, data []byte) error {
	if Address(data) != address {
		return ErrDigestMismatch
	}
	return nil
}
