// Package search blends semantic and lexical rankings over one catalog
// generation.
package search

import (
	"context"
	"log/slog"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/gridmart/semdex/catalog"
	"github.com/gridmart/semdex/embed"
	"github.com/gridmart/semdex/hnsw"
	"github.com/gridmart/semdex/index"
	"github.com/gridmart/semdex/search/lexical"
)

const (
	// DefaultSemanticWeight favors semantic order in blended results.
	DefaultSemanticWeight = 0.7

	// DefaultAutocompleteLimit caps interactive suggestion lists.
	DefaultAutocompleteLimit = 15

	// minRerankCandidates is the smallest lexical candidate set worth
	// re-ranking semantically.
	minRerankCandidates = 3

	autocompleteCandidates = 50
	worstScore             = 1.0
)

// Result is one blended hit. Score is in [0,1], lower is better.
type Result struct {
	Row      catalog.Row
	Label    uint32
	Score    float32
	Semantic float32
	Lexical  float32
}

// Options configures an Orchestrator.
type Options struct {
	SemanticWeight    float32
	AutocompleteLimit int
	Logger            *slog.Logger
}

// Orchestrator answers catalog queries by combining the ANN index with
// a BM25 side index over the same rows.
type Orchestrator struct {
	codec *embed.Codec
	coord *index.Coordinator
	lex   *lexical.Index
	opts  Options
}

// New creates an orchestrator. Call Reindex once a generation is
// available.
func New(codec *embed.Codec, coord *index.Coordinator, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		SemanticWeight:    DefaultSemanticWeight,
		AutocompleteLimit: DefaultAutocompleteLimit,
		Logger:            slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestrator{
		codec: codec,
		coord: coord,
		lex:   lexical.New(),
		opts:  opts,
	}
}

// Reindex rebuilds the lexical side index over rows. Labels follow row
// positions, matching the ANN index labelling.
func (o *Orchestrator) Reindex(rows []catalog.Row) {
	o.lex.Reset()
	for i := range rows {
		o.lex.Add(uint32(i), catalog.EmbeddingText(&rows[i]))
	}
}

// Query runs a blended search. Semantic failures degrade to
// lexical-only results; an empty result list is an answer, not an
// error.
func (o *Orchestrator) Query(ctx context.Context, text string, limit int) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}

	lexCands := o.lex.Search(text, limit*2)

	qv, err := o.codec.EmbedQuery(ctx, text, embed.PriorityInteractive)
	if err != nil {
		o.opts.Logger.Warn("query embedding failed, lexical only", "error", err)
		return o.lexicalOnly(lexCands, limit), nil
	}

	semantic, err := o.coord.Rank(ctx, qv, limit*2)
	if err != nil || len(semantic) == 0 {
		if err != nil {
			o.opts.Logger.Warn("semantic rank failed, lexical only", "error", err)
		}
		return o.lexicalOnly(lexCands, limit), nil
	}

	return o.blend(semantic, lexCands, limit), nil
}

// Autocomplete is the interactive fast path: lexical pre-filter, then
// a throwaway ANN index over just the candidate vectors.
func (o *Orchestrator) Autocomplete(ctx context.Context, text string, limit int) ([]Result, error) {
	if limit <= 0 || limit > o.opts.AutocompleteLimit {
		limit = o.opts.AutocompleteLimit
	}

	lexCands := o.lex.Search(text, autocompleteCandidates)
	if len(lexCands) < minRerankCandidates {
		return o.lexicalOnly(lexCands, limit), nil
	}

	qv, err := o.codec.EmbedQuery(ctx, text, embed.PriorityInteractive)
	if err != nil {
		o.opts.Logger.Warn("autocomplete embedding failed, lexical only", "error", err)
		return o.lexicalOnly(lexCands, limit), nil
	}

	semantic, ok := o.rerankCandidates(qv, lexCands, limit)
	if !ok {
		return o.lexicalOnly(lexCands, limit), nil
	}
	return o.blend(semantic, lexCands, limit), nil
}

// rerankCandidates builds a never-persisted index over the candidate
// rows that actually carry vectors and ranks them against qv.
func (o *Orchestrator) rerankCandidates(qv []float32, lexCands []lexical.Candidate, limit int) ([]index.Ranked, bool) {
	rows := o.coord.Rows()

	allow := roaring.New()
	for _, c := range lexCands {
		if int(c.Label) < len(rows) {
			allow.Add(c.Label)
		}
	}

	vectors := make([][]float32, 0, allow.GetCardinality())
	labels := make([]uint32, 0, allow.GetCardinality())
	it := allow.Iterator()
	for it.HasNext() {
		label := it.Next()
		if len(rows[label].Vector) != len(qv) {
			continue
		}
		vectors = append(vectors, rows[label].Vector)
		labels = append(labels, label)
	}
	if len(vectors) < minRerankCandidates {
		return nil, false
	}

	tiny := hnsw.New(len(qv))
	if err := tiny.AddBatch(vectors); err != nil {
		o.opts.Logger.Warn("candidate index build failed, lexical only", "error", err)
		return nil, false
	}

	hits, err := tiny.Search(qv, limit)
	if err != nil {
		o.opts.Logger.Warn("candidate search failed, lexical only", "error", err)
		return nil, false
	}

	out := make([]index.Ranked, 0, len(hits))
	for _, h := range hits {
		label := labels[h.ID]
		out = append(out, index.Ranked{
			Row:        rows[label],
			Label:      label,
			Distance:   h.Distance,
			Similarity: 1 - h.Distance,
		})
	}
	return out, true
}

// lexicalOnly maps raw BM25 candidates to results, normalizing scores
// to [0,1] lower-is-better.
func (o *Orchestrator) lexicalOnly(lexCands []lexical.Candidate, limit int) []Result {
	rows := o.coord.Rows()
	scores := normalizeLexical(lexCands)

	out := make([]Result, 0, len(lexCands))
	for _, c := range lexCands {
		if int(c.Label) >= len(rows) {
			continue
		}
		score := scores[c.Label]
		out = append(out, Result{
			Row:      rows[c.Label],
			Label:    c.Label,
			Score:    score,
			Semantic: worstScore,
			Lexical:  score,
		})
	}
	return dedupe(out, limit)
}

// blend merges the two rankings keyed by label. A side missing a row
// contributes the worst score.
func (o *Orchestrator) blend(semantic []index.Ranked, lexCands []lexical.Candidate, limit int) []Result {
	w := o.opts.SemanticWeight
	lexScores := normalizeLexical(lexCands)
	rows := o.coord.Rows()

	merged := make(map[uint32]*Result, len(semantic)+len(lexCands))
	for _, s := range semantic {
		merged[s.Label] = &Result{
			Row:      s.Row,
			Label:    s.Label,
			Semantic: semanticScore(s.Distance),
			Lexical:  worstScore,
		}
	}
	for _, c := range lexCands {
		if int(c.Label) >= len(rows) {
			continue
		}
		if r, ok := merged[c.Label]; ok {
			r.Lexical = lexScores[c.Label]
			continue
		}
		merged[c.Label] = &Result{
			Row:      rows[c.Label],
			Label:    c.Label,
			Semantic: worstScore,
			Lexical:  lexScores[c.Label],
		}
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		r.Score = w*r.Semantic + (1-w)*r.Lexical
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Label < out[j].Label
	})
	return dedupe(out, limit)
}

// semanticScore maps a cosine distance in [0,2] onto [0,1].
func semanticScore(distance float32) float32 {
	s := distance / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// normalizeLexical maps raw BM25 scores (higher better) onto [0,1]
// lower-is-better, relative to the best candidate.
func normalizeLexical(cands []lexical.Candidate) map[uint32]float32 {
	out := make(map[uint32]float32, len(cands))
	if len(cands) == 0 {
		return out
	}
	max := cands[0].Score
	for _, c := range cands {
		if c.Score > max {
			max = c.Score
		}
	}
	if max <= 0 {
		for _, c := range cands {
			out[c.Label] = worstScore
		}
		return out
	}
	for _, c := range cands {
		out[c.Label] = 1 - c.Score/max
	}
	return out
}

// dedupe keeps the first occurrence per row identity and truncates.
func dedupe(results []Result, limit int) []Result {
	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		key := r.Row.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}
