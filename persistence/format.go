package persistence

import "errors"

const (
	// MagicNumber identifies semdex binary files (ASCII: "SDX1")
	MagicNumber = 0x53445831
	// Version is the current file format version (v1.0.0)
	Version = 0x00010000

	// File kinds
	KindANNIndex = 1
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrInvalidKind    = errors.New("invalid file kind")
)

// FileHeader is the fixed-size header at the start of every binary file.
type FileHeader struct {
	Magic     uint32
	Version   uint32
	Kind      uint8
	Padding   [3]byte
	Count     uint64 // Number of stored vectors
	Dimension uint32
	Reserved  [12]byte // Future use
}
