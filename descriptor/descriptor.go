// Package descriptor implements the append-only discovery channel for
// published snapshot artifacts. Each publish appends an immutable
// descriptor under a monotonically increasing version; readers resolve
// the latest version to find the current snapshot.
package descriptor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrConflict is returned when a publish collides with an existing
// version. The publisher should re-read the latest version and retry.
var ErrConflict = errors.New("descriptor version already published")

// ErrEmpty is returned by Latest when nothing has been published.
var ErrEmpty = errors.New("no descriptors published")

// Descriptor points at one published snapshot artifact.
type Descriptor struct {
	Version   uint64    `json:"version"`
	Address   string    `json:"address"` // content address of the snapshot blob
	RowCount  int       `json:"rowCount"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
}

// Channel is an append-only descriptor feed.
type Channel interface {
	// Publish appends d at d.Version. Returns ErrConflict if that
	// version already exists.
	Publish(ctx context.Context, d *Descriptor) error

	// Latest returns the descriptor with the highest version, or
	// ErrEmpty.
	Latest(ctx context.Context) (*Descriptor, error)
}

// MemoryChannel is an in-memory Channel for testing.
type MemoryChannel struct {
	mu      sync.Mutex
	entries map[uint64]Descriptor
	latest  uint64
}

// NewMemoryChannel creates an empty in-memory channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{entries: make(map[uint64]Descriptor)}
}

// Publish appends d, failing on version collision.
func (c *MemoryChannel) Publish(_ context.Context, d *Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[d.Version]; exists {
		return ErrConflict
	}
	c.entries[d.Version] = *d
	if d.Version > c.latest {
		c.latest = d.Version
	}
	return nil
}

// Latest returns the highest-version descriptor.
func (c *MemoryChannel) Latest(_ context.Context) (*Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return nil, ErrEmpty
	}
	d := c.entries[c.latest]
	return &d, nil
}
