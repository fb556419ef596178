package cache

import (
	"context"
	"fmt"

	"github.com/gridmart/semdex/catalog"
)

// Export dumps the whole cache as a snapshot document: metadata and
// lookup tables as structured values, chunk payloads as raw buffers.
// The document round-trips through Import byte-exact.
func (s *Store) Export(ctx context.Context) (map[string]any, error) {
	meta := make(map[string]any)
	metaRows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer metaRows.Close()
	for metaRows.Next() {
		var k, v string
		if err := metaRows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	if err := metaRows.Err(); err != nil {
		return nil, err
	}

	in, err := s.loadInterner(ctx)
	if err != nil {
		return nil, err
	}
	lookups := make(map[string]any)
	for _, kind := range catalog.Kinds() {
		table := in.Table(kind)
		values := make([]any, len(table))
		for i, v := range table {
			values[i] = v
		}
		lookups[kind.String()] = values
	}

	var chunks []any
	chunkRows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM chunks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer chunkRows.Close()
	for chunkRows.Next() {
		var id int
		var payload []byte
		if err := chunkRows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		chunks = append(chunks, map[string]any{
			"id":      id,
			"payload": payload,
		})
	}
	if err := chunkRows.Err(); err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []any{}
	}

	return map[string]any{
		"meta":    meta,
		"lookups": lookups,
		"chunks":  chunks,
	}, nil
}

// Import replaces the cache contents with an exported document,
// preserving the original generation's metadata (including its
// timestamp, so freshness is judged against the snapshot's creation).
func (s *Store) Import(ctx context.Context, doc map[string]any) error {
	meta, ok := doc["meta"].(map[string]any)
	if !ok {
		return &InvalidError{Reason: "snapshot document missing meta"}
	}
	lookups, ok := doc["lookups"].(map[string]any)
	if !ok {
		return &InvalidError{Reason: "snapshot document missing lookups"}
	}
	chunks, ok := doc["chunks"].([]any)
	if !ok {
		return &InvalidError{Reason: "snapshot document missing chunks"}
	}

	if err := s.wipe(ctx); err != nil {
		return err
	}

	// Lookups.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO lookups (kind, id, value) VALUES (?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, kind := range catalog.Kinds() {
		values, ok := lookups[kind.String()].([]any)
		if !ok {
			continue
		}
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				_ = tx.Rollback()
				_ = stmt.Close()
				return &InvalidError{Reason: fmt.Sprintf("lookup table %s entry %d is not a string", kind, i)}
			}
			if _, err := stmt.ExecContext(ctx, int(kind), i+1, str); err != nil {
				_ = tx.Rollback()
				_ = stmt.Close()
				return err
			}
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	// Chunks, one transaction each like ReplaceAll.
	for i, c := range chunks {
		m, ok := c.(map[string]any)
		if !ok {
			return &InvalidError{Reason: fmt.Sprintf("chunk %d is not an object", i)}
		}
		payload, ok := m["payload"].([]byte)
		if !ok {
			return &InvalidError{Reason: fmt.Sprintf("chunk %d has no payload buffer", i)}
		}
		id := i
		if f, ok := m["id"].(float64); ok {
			id = int(f)
		} else if n, ok := m["id"].(int); ok {
			id = n
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO chunks (id, payload) VALUES (?, ?)`, id, payload); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	// Metadata last, so a torn import never validates.
	tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	metaStmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for k, v := range meta {
		str, ok := v.(string)
		if !ok {
			str = fmt.Sprintf("%v", v)
		}
		if _, err := metaStmt.ExecContext(ctx, k, str); err != nil {
			_ = tx.Rollback()
			_ = metaStmt.Close()
			return err
		}
	}
	_ = metaStmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	s.opts.Logger.InfoContext(ctx, "cache imported from snapshot",
		"chunks", len(chunks),
	)
	return nil
}
