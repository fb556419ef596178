// Package cache implements the local catalog cache: a chunked,
// transactional SQLite store holding normalized rows with quantized
// embeddings, the interner lookup tables and a metadata record used
// for freshness validation.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gridmart/semdex/catalog"
	"github.com/gridmart/semdex/quant"
)

const (
	// SchemaVersion is bumped whenever the stored layout changes;
	// mismatched caches are rebuilt from scratch.
	SchemaVersion = 1

	// ChunkSize is the number of rows per chunk transaction.
	ChunkSize = 250

	// Freshness is how long a cache generation stays valid.
	Freshness = 24 * time.Hour

	// validationSample is how many rows are spot-checked by Validate.
	validationSample = 10
)

// InvalidError reports why a cache generation cannot be used.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return "cache invalid: " + e.Reason
}

// Options configures a Store.
type Options struct {
	// Dimension of stored embedding vectors.
	Dimension int

	// Quantizer compresses vectors for storage. Defaults to the
	// standard int8 codec.
	Quantizer *quant.Codec

	// Logger receives structured progress and degradation logs.
	Logger *slog.Logger

	// Now is the clock used for freshness checks. Overridable in tests.
	Now func() time.Time
}

// Store is the local catalog cache.
type Store struct {
	db    *sql.DB
	opts  Options
	quant *quant.Codec
}

// Open opens (creating if needed) a cache database at path. Use
// ":memory:" for an ephemeral cache.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Dimension: 384}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := opts.Quantizer
	if q == nil {
		var err error
		if q, err = quant.New(0); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// SQLite allows a single writer; serialize access through one conn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, opts: opts, quant: q}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lookups (
			kind  INTEGER NOT NULL,
			id    INTEGER NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id      INTEGER PRIMARY KEY,
			payload BLOB NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init cache schema: %w", err)
		}
	}
	return nil
}

// storedRow is the persisted row form. Categorical fields are interned
// ids; the vector is quantized int8 bytes.
type storedRow struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Brand       uint32  `json:"brand,omitempty"`
	Category    uint32  `json:"category,omitempty"`
	Subcategory uint32  `json:"subcategory,omitempty"`
	ProductType uint32  `json:"productType,omitempty"`
	Price       float64 `json:"price"`
	PromoPrice  float64 `json:"promoPrice,omitempty"`
	Stock       uint8   `json:"stock,omitempty"`
	Vector      []byte  `json:"vector,omitempty"`
}

func (s *Store) toStored(r *catalog.Row, in *catalog.Interner) storedRow {
	ids := in.InternRow(r)
	sr := storedRow{
		ID:          r.ExternalID,
		Name:        r.Name,
		Brand:       ids[0],
		Category:    ids[1],
		Subcategory: ids[2],
		ProductType: ids[3],
		Price:       r.Price,
		PromoPrice:  r.PromoPrice,
		Stock:       uint8(r.Stock),
	}
	if len(r.Vector) > 0 {
		sr.Vector = quant.Bytes(s.quant.Quantize(r.Vector))
	}
	return sr
}

func (s *Store) fromStored(sr *storedRow, in *catalog.Interner) catalog.Row {
	r := catalog.Row{
		ExternalID: sr.ID,
		Name:       sr.Name,
		Price:      sr.Price,
		PromoPrice: sr.PromoPrice,
		Stock:      catalog.StockStatus(sr.Stock),
	}
	in.ResolveRow(&r, [4]uint32{sr.Brand, sr.Category, sr.Subcategory, sr.ProductType})
	if len(sr.Vector) > 0 {
		r.Vector = s.quant.Dequantize(quant.FromBytes(sr.Vector))
	}
	return r
}

// ReplaceAll replaces the whole cache with a new generation. Rows are
// written in chunks of ChunkSize, one transaction per chunk. A chunk
// that fails to encode or write is retried without vectors; only if
// the slim retry also fails does the replace abort.
func (s *Store) ReplaceAll(ctx context.Context, rows []catalog.Row, in *catalog.Interner) error {
	log := s.opts.Logger

	// Wipe the previous generation in one transaction so a torn write
	// can never interleave two generations.
	if err := s.wipe(ctx); err != nil {
		return err
	}

	if err := s.writeLookups(ctx, in); err != nil {
		return err
	}

	slimChunks := 0
	for start := 0; start < len(rows); start += ChunkSize {
		end := min(start+ChunkSize, len(rows))
		chunkID := start / ChunkSize

		stored := make([]storedRow, 0, end-start)
		for i := start; i < end; i++ {
			stored = append(stored, s.toStored(&rows[i], in))
		}

		if err := s.writeChunk(ctx, chunkID, stored); err != nil {
			log.WarnContext(ctx, "chunk write failed, retrying without vectors",
				"chunk", chunkID,
				"rows", len(stored),
				"error", err,
			)
			for i := range stored {
				stored[i].Vector = nil
			}
			if err := s.writeChunk(ctx, chunkID, stored); err != nil {
				return fmt.Errorf("write chunk %d: %w", chunkID, err)
			}
			slimChunks++
		}
	}

	if err := s.writeMeta(ctx, len(rows), s.opts.Now()); err != nil {
		return err
	}

	log.InfoContext(ctx, "cache replaced",
		"rows", len(rows),
		"chunks", (len(rows)+ChunkSize-1)/ChunkSize,
		"slim_chunks", slimChunks,
	)
	return nil
}

func (s *Store) wipe(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range []string{`DELETE FROM chunks`, `DELETE FROM lookups`, `DELETE FROM meta`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("wipe cache: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) writeLookups(ctx context.Context, in *catalog.Interner) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO lookups (kind, id, value) VALUES (?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, kind := range catalog.Kinds() {
		for i, value := range in.Table(kind) {
			if _, err := stmt.ExecContext(ctx, int(kind), i+1, value); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("write lookup table %s: %w", kind, err)
			}
		}
	}
	return tx.Commit()
}

func (s *Store) writeChunk(ctx context.Context, chunkID int, rows []storedRow) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks (id, payload) VALUES (?, ?)`, chunkID, payload); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) writeMeta(ctx context.Context, count int, ts time.Time) error {
	scaleJSON, _ := json.Marshal(s.quant.Scale())
	entries := map[string]string{
		"version":    fmt.Sprintf("%d", SchemaVersion),
		"count":      fmt.Sprintf("%d", count),
		"timestamp":  fmt.Sprintf("%d", ts.Unix()),
		"normalized": "1",
		"dimension":  fmt.Sprintf("%d", s.opts.Dimension),
		"scale":      string(scaleJSON),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for k, v := range entries {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *Store) metaValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// LoadAll returns every cached row together with the restored
// interner. Rows from slim chunks come back without vectors.
func (s *Store) LoadAll(ctx context.Context) ([]catalog.Row, *catalog.Interner, error) {
	in, err := s.loadInterner(ctx)
	if err != nil {
		return nil, nil, err
	}

	stored, err := s.loadStored(ctx)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]catalog.Row, 0, len(stored))
	for i := range stored {
		rows = append(rows, s.fromStored(&stored[i], in))
	}
	return rows, in, nil
}

func (s *Store) loadInterner(ctx context.Context) (*catalog.Interner, error) {
	dbRows, err := s.db.QueryContext(ctx, `SELECT kind, id, value FROM lookups ORDER BY kind, id`)
	if err != nil {
		return nil, err
	}
	defer dbRows.Close()

	tables := make(map[catalog.Kind][]string)
	for dbRows.Next() {
		var kind, id int
		var value string
		if err := dbRows.Scan(&kind, &id, &value); err != nil {
			return nil, err
		}
		k := catalog.Kind(kind)
		// Ids are contiguous from 1 by construction.
		if id != len(tables[k])+1 {
			return nil, &InvalidError{Reason: fmt.Sprintf("lookup table %s has non-contiguous id %d", k, id)}
		}
		tables[k] = append(tables[k], value)
	}
	if err := dbRows.Err(); err != nil {
		return nil, err
	}
	return catalog.FromTables(tables), nil
}

func (s *Store) loadStored(ctx context.Context) ([]storedRow, error) {
	dbRows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM chunks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer dbRows.Close()

	var out []storedRow
	for dbRows.Next() {
		var id int
		var payload []byte
		if err := dbRows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var chunk []storedRow
		if err := json.Unmarshal(payload, &chunk); err != nil {
			// A corrupt chunk truncates the read. Everything decoded so
			// far is still served; the count mismatch fails Validate and
			// forces a rebuild.
			s.opts.Logger.Warn("cache chunk corrupt, truncating read",
				"chunk", id, "rows", len(out), "error", err)
			return out, nil
		}
		out = append(out, chunk...)
	}
	return out, dbRows.Err()
}

// Validate checks whether the cached generation is usable: schema
// version, freshness, row count, and a sample of rows with resolvable
// lookups and well-formed vectors. Returns an *InvalidError when not.
func (s *Store) Validate(ctx context.Context) error {
	version, ok, err := s.metaValue(ctx, "version")
	if err != nil {
		return err
	}
	if !ok {
		return &InvalidError{Reason: "no metadata, cache is empty"}
	}
	if version != fmt.Sprintf("%d", SchemaVersion) {
		return &InvalidError{Reason: fmt.Sprintf("schema version %s, want %d", version, SchemaVersion)}
	}

	tsRaw, ok, err := s.metaValue(ctx, "timestamp")
	if err != nil {
		return err
	}
	if !ok {
		return &InvalidError{Reason: "missing timestamp"}
	}
	var tsUnix int64
	if _, err := fmt.Sscanf(tsRaw, "%d", &tsUnix); err != nil {
		return &InvalidError{Reason: "unparseable timestamp"}
	}
	age := s.opts.Now().Sub(time.Unix(tsUnix, 0))
	if age > Freshness {
		return &InvalidError{Reason: fmt.Sprintf("stale: %s old", age.Round(time.Minute))}
	}

	countRaw, ok, err := s.metaValue(ctx, "count")
	if err != nil {
		return err
	}
	if !ok {
		return &InvalidError{Reason: "missing count"}
	}

	stored, err := s.loadStored(ctx)
	if err != nil {
		return err
	}
	if countRaw != fmt.Sprintf("%d", len(stored)) {
		return &InvalidError{Reason: fmt.Sprintf("row count %d does not match metadata %s", len(stored), countRaw)}
	}
	if len(stored) == 0 {
		return &InvalidError{Reason: "cache holds no rows"}
	}

	in, err := s.loadInterner(ctx)
	if err != nil {
		return err
	}

	// Spot-check a spread of rows.
	step := len(stored) / validationSample
	if step == 0 {
		step = 1
	}
	for i := 0; i < len(stored); i += step {
		sr := &stored[i]
		if sr.Name == "" {
			return &InvalidError{Reason: fmt.Sprintf("row %d has no name", i)}
		}
		if sr.Category != 0 && in.Lookup(catalog.KindCategory, sr.Category) == "" {
			return &InvalidError{Reason: fmt.Sprintf("row %d has unresolvable category %d", i, sr.Category)}
		}
		if len(sr.Vector) > 0 && len(sr.Vector) != s.opts.Dimension {
			return &InvalidError{Reason: fmt.Sprintf("row %d vector has %d dims, want %d", i, len(sr.Vector), s.opts.Dimension)}
		}
	}

	return nil
}

// Count returns the number of cached rows recorded in metadata.
func (s *Store) Count(ctx context.Context) (int, error) {
	raw, ok, err := s.metaValue(ctx, "count")
	if err != nil || !ok {
		return 0, err
	}
	var n int
	_, err = fmt.Sscanf(raw, "%d", &n)
	return n, err
}
