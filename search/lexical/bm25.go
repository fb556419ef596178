// Package lexical provides an in-memory BM25 index over catalog
// embedding text, keyed by row label.
package lexical

import (
	"math"
	"sort"
	"strings"
	"sync"
)

const (
	k1 = 1.2
	b  = 0.75
)

// Candidate is one lexical hit. Score is the raw BM25 score, higher is
// better.
type Candidate struct {
	Label uint32
	Score float32
}

type posting struct {
	label uint32
	count int
}

// Index is an in-memory BM25 inverted index.
type Index struct {
	mu          sync.RWMutex
	inverted    map[string][]posting
	docLengths  map[uint32]int
	totalLength int64
	docCount    int
}

// New creates an empty index.
func New() *Index {
	return &Index{
		inverted:   make(map[string][]posting),
		docLengths: make(map[uint32]int),
	}
}

// lowercase whitespace tokenizer
func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Add indexes text under label, replacing any previous document with
// the same label.
func (idx *Index) Add(label uint32, text string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.docLengths[label]; ok {
		idx.deleteLocked(label)
	}

	tokens := tokenize(text)
	idx.docLengths[label] = len(tokens)
	idx.totalLength += int64(len(tokens))
	idx.docCount++

	tf := make(map[string]int)
	for _, t := range tokens {
		tf[t]++
	}
	for t, count := range tf {
		idx.inverted[t] = append(idx.inverted[t], posting{label: label, count: count})
	}
}

// Delete removes the document with the given label.
func (idx *Index) Delete(label uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleteLocked(label)
}

func (idx *Index) deleteLocked(label uint32) {
	length, ok := idx.docLengths[label]
	if !ok {
		return
	}
	for t := range idx.inverted {
		postings := idx.inverted[t]
		for i, p := range postings {
			if p.label == label {
				idx.inverted[t] = append(postings[:i], postings[i+1:]...)
				break
			}
		}
	}
	delete(idx.docLengths, label)
	idx.totalLength -= int64(length)
	idx.docCount--
}

// Len reports the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.docCount
}

// Reset drops every document.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.inverted = make(map[string][]posting)
	idx.docLengths = make(map[uint32]int)
	idx.totalLength = 0
	idx.docCount = 0
}

// Search scores documents against text and returns up to k candidates
// ordered by descending BM25 score.
func (idx *Index) Search(text string, k int) []Candidate {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.docCount == 0 || k <= 0 {
		return nil
	}

	avgDL := float64(idx.totalLength) / float64(idx.docCount)
	scores := make(map[uint32]float64)

	for _, t := range tokenize(text) {
		postings, ok := idx.inverted[t]
		if !ok {
			continue
		}
		idf := idx.computeIDF(len(postings))
		for _, p := range postings {
			tf := float64(p.count)
			docLen := float64(idx.docLengths[p.label])
			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/avgDL))
			scores[p.label] += idf * (num / denom)
		}
	}
	if len(scores) == 0 {
		return nil
	}

	out := make([]Candidate, 0, len(scores))
	for label, score := range scores {
		out = append(out, Candidate{Label: label, Score: float32(score)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Label < out[j].Label
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// IDF = log(1 + (N - n + 0.5) / (n + 0.5))
func (idx *Index) computeIDF(df int) float64 {
	N := float64(idx.docCount)
	n := float64(df)
	return math.Log(1 + (N-n+0.5)/(n+0.5))
}
