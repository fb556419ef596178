package hnsw

import (
	"bytes"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/gridmart/semdex/persistence"
)

// SaveToFile writes the index atomically to filename.
func (h *Index) SaveToFile(filename string) error {
	return persistence.SaveToFile(filename, func(w io.Writer) error {
		_, err := h.WriteTo(w)
		return err
	})
}

// LoadFromFile reads an index from filename. The options must match
// the ones the index was built with in dimension; graph parameters are
// restored from the file.
func LoadFromFile(filename string, optFns ...func(o *Options)) (*Index, error) {
	var h *Index
	err := persistence.LoadFromFile(filename, func(r io.Reader) error {
		var err error
		h, err = readIndex(r, optFns...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// WriteTo writes the index in binary format.
func (h *Index) WriteTo(w io.Writer) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cw := &countingWriter{w: w}
	bw := persistence.NewBinaryWriter(cw)

	header := &persistence.FileHeader{
		Kind:      persistence.KindANNIndex,
		Count:     uint64(len(h.nodes)),
		Dimension: uint32(h.opts.Dimension),
	}
	if err := bw.WriteHeader(header); err != nil {
		return cw.n, err
	}

	// Graph parameters.
	for _, v := range []uint32{
		uint32(h.opts.M),
		uint32(h.opts.EFConstruction),
		uint32(h.opts.EFSearch),
		uint32(h.maxLevel),
		h.ep,
	} {
		if err := bw.WriteUint32(v); err != nil {
			return cw.n, err
		}
	}

	// Tombstones.
	tombs, err := h.deleted.MarshalBinary()
	if err != nil {
		return cw.n, err
	}
	if err := bw.WriteUint32(uint32(len(tombs))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(tombs); err != nil {
		return cw.n, err
	}

	// Nodes: layer, vector, then one connection list per level.
	for _, n := range h.nodes {
		if err := bw.WriteUint32(uint32(n.layer)); err != nil {
			return cw.n, err
		}
		if err := bw.WriteFloat32Slice(n.vector); err != nil {
			return cw.n, err
		}
		for level := 0; level <= n.layer; level++ {
			conns := n.connections[level]
			if err := bw.WriteUint32(uint32(len(conns))); err != nil {
				return cw.n, err
			}
			if err := bw.WriteUint32Slice(conns); err != nil {
				return cw.n, err
			}
		}
	}

	return cw.n, nil
}

// readIndex reads a serialized index.
func readIndex(r io.Reader, optFns ...func(o *Options)) (*Index, error) {
	br := persistence.NewBinaryReader(r)

	header, err := br.ReadHeader()
	if err != nil {
		return nil, err
	}
	if header.Kind != persistence.KindANNIndex {
		return nil, fmt.Errorf("%w: got %d", persistence.ErrInvalidKind, header.Kind)
	}

	params := make([]uint32, 5)
	for i := range params {
		if params[i], err = br.ReadUint32(); err != nil {
			return nil, err
		}
	}
	m, efc, efs, maxLevel, ep := params[0], params[1], params[2], params[3], params[4]

	h := New(int(header.Dimension), func(o *Options) {
		o.M = int(m)
		o.EFConstruction = int(efc)
		o.EFSearch = int(efs)
	})
	for _, fn := range optFns {
		fn(&h.opts)
	}
	if h.opts.Dimension != int(header.Dimension) {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: int(header.Dimension)}
	}

	// Tombstones.
	tombLen, err := br.ReadUint32()
	if err != nil {
		return nil, err
	}
	if tombLen > 0 {
		buf := make([]byte, tombLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		deleted := roaring.New()
		if err := deleted.UnmarshalBinary(buf); err != nil {
			return nil, err
		}
		h.deleted = deleted
	}

	h.maxLevel = int(maxLevel)
	h.ep = ep
	h.nodes = make([]*node, 0, header.Count)

	for i := uint64(0); i < header.Count; i++ {
		layer, err := br.ReadUint32()
		if err != nil {
			return nil, err
		}
		vec, err := br.ReadFloat32Slice(int(header.Dimension))
		if err != nil {
			return nil, err
		}
		n := &node{
			vector:      vec,
			layer:       int(layer),
			connections: make([][]uint32, layer+1),
		}
		for level := uint32(0); level <= layer; level++ {
			connLen, err := br.ReadUint32()
			if err != nil {
				return nil, err
			}
			conns, err := br.ReadUint32Slice(int(connLen))
			if err != nil {
				return nil, err
			}
			if conns == nil {
				conns = []uint32{}
			}
			n.connections[level] = conns
		}
		h.nodes = append(h.nodes, n)
	}

	return h, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h *Index) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalIndex reads an index from serialized bytes.
func UnmarshalIndex(data []byte, optFns ...func(o *Options)) (*Index, error) {
	return readIndex(bytes.NewReader(data), optFns...)
}
