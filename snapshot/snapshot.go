// Package snapshot implements the portable binary container used to
// ship a full engine generation (cache contents plus the serialized
// ANN index) between peers.
//
// Layout, little-endian:
//
//	[u32 headerLength]
//	[header JSON: {"jsonLength": N, "bufferCount": M, "bufferSizes": [...]}]
//	[body JSON: document with buffers replaced by {"__bufferIndex": i}]
//	[buffer 0][buffer 1]...[buffer M-1]
//
// The three length fields must tile the payload exactly; anything
// truncated or oversized is rejected. Buffers round-trip byte-exact.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrFormat is the base error for malformed snapshot payloads.
var ErrFormat = errors.New("invalid snapshot format")

const placeholderKey = "__bufferIndex"

type header struct {
	JSONLength  int   `json:"jsonLength"`
	BufferCount int   `json:"bufferCount"`
	BufferSizes []int `json:"bufferSizes"`
}

// Marshal encodes a document into the snapshot container. The document
// may contain map[string]any, []any, []byte buffers, strings, bools,
// nil and numbers; any other type is an error.
func Marshal(doc any) ([]byte, error) {
	var buffers [][]byte
	body, err := extractBuffers(doc, &buffers)
	if err != nil {
		return nil, err
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	h := header{
		JSONLength:  len(bodyJSON),
		BufferCount: len(buffers),
		BufferSizes: make([]int, len(buffers)),
	}
	total := 0
	for i, b := range buffers {
		h.BufferSizes[i] = len(b)
		total += len(b)
	}
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+len(headerJSON)+len(bodyJSON)+total)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))
	out = append(out, lenBuf[:]...)
	out = append(out, headerJSON...)
	out = append(out, bodyJSON...)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out, nil
}

// extractBuffers walks doc depth-first, collecting []byte leaves into
// buffers and replacing them with placeholder objects. Maps are walked
// in sorted key order so buffer indexes are deterministic.
func extractBuffers(doc any, buffers *[][]byte) (any, error) {
	switch v := doc.(type) {
	case nil, string, bool, float64, float32, int, int64, uint32, uint64:
		return v, nil
	case []byte:
		idx := len(*buffers)
		*buffers = append(*buffers, v)
		return map[string]any{placeholderKey: idx}, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			e, err := extractBuffers(elem, buffers)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, k := range keys {
			e, err := extractBuffers(v[k], buffers)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrFormat, doc)
	}
}

// Unmarshal decodes a snapshot container back into its document.
func Unmarshal(data []byte) (any, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: payload shorter than header length field", ErrFormat)
	}
	headerLen := int(binary.LittleEndian.Uint32(data))
	if headerLen < 0 || 4+headerLen > len(data) {
		return nil, fmt.Errorf("%w: header length %d exceeds payload", ErrFormat, headerLen)
	}

	var h header
	if err := json.Unmarshal(data[4:4+headerLen], &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if h.JSONLength < 0 || h.BufferCount < 0 || len(h.BufferSizes) != h.BufferCount {
		return nil, fmt.Errorf("%w: inconsistent header", ErrFormat)
	}

	offset := 4 + headerLen
	if offset+h.JSONLength > len(data) {
		return nil, fmt.Errorf("%w: body length %d exceeds payload", ErrFormat, h.JSONLength)
	}

	var body any
	if err := json.Unmarshal(data[offset:offset+h.JSONLength], &body); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrFormat, err)
	}
	offset += h.JSONLength

	buffers := make([][]byte, h.BufferCount)
	for i, size := range h.BufferSizes {
		if size < 0 || offset+size > len(data) {
			return nil, fmt.Errorf("%w: buffer %d length %d exceeds payload", ErrFormat, i, size)
		}
		buf := make([]byte, size)
		copy(buf, data[offset:offset+size])
		buffers[i] = buf
		offset += size
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, len(data)-offset)
	}

	return restoreBuffers(body, buffers)
}

// restoreBuffers replaces placeholder objects with their buffers.
func restoreBuffers(doc any, buffers [][]byte) (any, error) {
	switch v := doc.(type) {
	case map[string]any:
		if idx, ok := placeholderIndex(v); ok {
			if idx < 0 || idx >= len(buffers) {
				return nil, fmt.Errorf("%w: buffer index %d out of range", ErrFormat, idx)
			}
			return buffers[idx], nil
		}
		for k, elem := range v {
			e, err := restoreBuffers(elem, buffers)
			if err != nil {
				return nil, err
			}
			v[k] = e
		}
		return v, nil
	case []any:
		for i, elem := range v {
			e, err := restoreBuffers(elem, buffers)
			if err != nil {
				return nil, err
			}
			v[i] = e
		}
		return v, nil
	default:
		return v, nil
	}
}

func placeholderIndex(m map[string]any) (int, bool) {
	if len(m) != 1 {
		return 0, false
	}
	v, ok := m[placeholderKey]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Snapshot is the assembled engine generation.
type Snapshot struct {
	Version   int
	RowCount  int
	CreatedAt time.Time
	Cache     map[string]any
	Index     []byte
}

// FormatVersion is the current snapshot document version.
const FormatVersion = 1

// Build assembles and encodes an engine snapshot.
func Build(s *Snapshot) ([]byte, error) {
	doc := map[string]any{
		"version":   FormatVersion,
		"rowCount":  s.RowCount,
		"createdAt": s.CreatedAt.UTC().Format(time.RFC3339),
		"cache":     s.Cache,
		"index":     s.Index,
	}
	return Marshal(doc)
}

// Open decodes an engine snapshot.
func Open(data []byte) (*Snapshot, error) {
	doc, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level document is not an object", ErrFormat)
	}

	s := &Snapshot{}
	if v, ok := m["version"].(float64); ok {
		s.Version = int(v)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, s.Version)
	}
	if v, ok := m["rowCount"].(float64); ok {
		s.RowCount = int(v)
	}
	if v, ok := m["createdAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			s.CreatedAt = ts
		}
	}
	if v, ok := m["cache"].(map[string]any); ok {
		s.Cache = v
	}
	if v, ok := m["index"].([]byte); ok {
		s.Index = v
	}
	if s.Cache == nil || s.Index == nil {
		return nil, fmt.Errorf("%w: missing cache or index section", ErrFormat)
	}
	return s, nil
}
