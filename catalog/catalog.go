// Package catalog defines the row model for catalog products together
// with the normalization rules applied at ingest and the string
// interner used to compact categorical fields.
package catalog

import (
	"strings"
	"unicode"
)

// StockStatus is the folded availability of a row.
type StockStatus uint8

const (
	StockUnknown StockStatus = iota
	StockHigh
	StockLow
)

func (s StockStatus) String() string {
	switch s {
	case StockHigh:
		return "HIGH"
	case StockLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Row is a single catalog product. Vector is optional; rows without a
// vector can still be served by lexical search.
type Row struct {
	ExternalID  string
	Name        string
	Brand       string
	Category    string
	Subcategory string
	ProductType string
	Price       float64
	PromoPrice  float64 // 0 means no promotion
	Stock       StockStatus
	Vector      []float32
}

// Key returns the identity used for result deduplication. Rows without
// an external id fall back to their name.
func (r *Row) Key() string {
	if r.ExternalID != "" {
		return r.ExternalID
	}
	return strings.ToLower(r.Name)
}

// FoldStock maps raw source availability values onto the three-state
// StockStatus.
func FoldStock(raw string) StockStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "HIGH", "IN_STOCK":
		return StockHigh
	case "LOW", "LIMITED":
		return StockLow
	default:
		return StockUnknown
	}
}

// Normalize applies the ingest rules to a row in place:
//   - a promo price is kept only when it is positive and strictly below
//     the list price
//   - an empty brand is guessed from the first capitalized token of the
//     name, best effort
func Normalize(r *Row) {
	if r.PromoPrice <= 0 || r.PromoPrice >= r.Price {
		r.PromoPrice = 0
	}
	if r.Brand == "" {
		r.Brand = guessBrand(r.Name)
	}
}

// guessBrand returns the first capitalized token of name, or "".
func guessBrand(name string) string {
	for _, tok := range strings.Fields(name) {
		runes := []rune(tok)
		if unicode.IsUpper(runes[0]) {
			return tok
		}
	}
	return ""
}

// EmbeddingText builds the text embedded for a row: name, brand,
// category, subcategory and product type joined with spaces, empties
// skipped, lowercased.
func EmbeddingText(r *Row) string {
	parts := make([]string, 0, 5)
	for _, s := range []string{r.Name, r.Brand, r.Category, r.Subcategory, r.ProductType} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}
