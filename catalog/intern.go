package catalog

// Kind selects one of the interned categorical fields.
type Kind uint8

const (
	KindBrand Kind = iota
	KindCategory
	KindSubcategory
	KindProductType

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindBrand:
		return "brand"
	case KindCategory:
		return "category"
	case KindSubcategory:
		return "subcategory"
	case KindProductType:
		return "productType"
	default:
		return "unknown"
	}
}

// Kinds lists all interned field kinds in table order.
func Kinds() []Kind {
	return []Kind{KindBrand, KindCategory, KindSubcategory, KindProductType}
}

// Interner assigns small integer ids to repeated categorical values.
// Id 0 is reserved for the empty value; real ids start at 1 and are
// assigned in first-seen order. Ids are only stable within a single
// catalog generation.
type Interner struct {
	tables [numKinds]internTable
}

type internTable struct {
	byValue map[string]uint32
	values  []string
}

// NewInterner creates an empty interner.
func NewInterner() *Interner {
	in := &Interner{}
	for i := range in.tables {
		in.tables[i].byValue = make(map[string]uint32)
	}
	return in
}

// Put interns value and returns its id. The empty string always maps
// to 0 without touching the table.
func (in *Interner) Put(kind Kind, value string) uint32 {
	if value == "" {
		return 0
	}
	t := &in.tables[kind]
	if id, ok := t.byValue[value]; ok {
		return id
	}
	t.values = append(t.values, value)
	id := uint32(len(t.values))
	t.byValue[value] = id
	return id
}

// Lookup resolves an id back to its value. Id 0 and out-of-range ids
// resolve to the empty string.
func (in *Interner) Lookup(kind Kind, id uint32) string {
	if id == 0 {
		return ""
	}
	t := &in.tables[kind]
	if int(id) > len(t.values) {
		return ""
	}
	return t.values[id-1]
}

// Len returns the number of distinct values interned for kind.
func (in *Interner) Len(kind Kind) int {
	return len(in.tables[kind].values)
}

// Table exports the values of one kind in id order (index i holds the
// value for id i+1).
func (in *Interner) Table(kind Kind) []string {
	t := in.tables[kind]
	out := make([]string, len(t.values))
	copy(out, t.values)
	return out
}

// FromTables restores an interner from exported tables, preserving the
// original id assignment.
func FromTables(tables map[Kind][]string) *Interner {
	in := NewInterner()
	for kind, values := range tables {
		t := &in.tables[kind]
		t.values = make([]string, len(values))
		copy(t.values, values)
		for i, v := range values {
			t.byValue[v] = uint32(i + 1)
		}
	}
	return in
}

// InternRow interns the categorical fields of r and returns their ids
// in Kinds() order.
func (in *Interner) InternRow(r *Row) [4]uint32 {
	return [4]uint32{
		in.Put(KindBrand, r.Brand),
		in.Put(KindCategory, r.Category),
		in.Put(KindSubcategory, r.Subcategory),
		in.Put(KindProductType, r.ProductType),
	}
}

// ResolveRow fills the categorical fields of r from interned ids in
// Kinds() order.
func (in *Interner) ResolveRow(r *Row, ids [4]uint32) {
	r.Brand = in.Lookup(KindBrand, ids[0])
	r.Category = in.Lookup(KindCategory, ids[1])
	r.Subcategory = in.Lookup(KindSubcategory, ids[2])
	r.ProductType = in.Lookup(KindProductType, ids[3])
}
