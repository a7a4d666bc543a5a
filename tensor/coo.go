package tensor

import "fmt"

// COO is a sparse tensor representation: a set of row indices into a dense
// tensor of the given Shape, plus the flattened values for those rows
// (spec.md glossary: "COO tensor"). It is used exclusively as a gradient
// representation — gradient compression (spec.md §9 DCT) and any
// framework-side sparsification produce COO grads that the table engine
// densifies before applying.
type COO struct {
	Shape   Shape
	Elem    ElementType
	Indices []int64   // row indices, length nnz
	Values  []float64 // flattened nnz * rowWidth values, row-major
}

// rowWidth is the number of elements per indexed row: Shape[1:] collapsed.
func (c *COO) rowWidth() int64 {
	w := int64(1)
	for _, d := range c.Shape[1:] {
		w *= d
	}
	return w
}

// IsEmpty reports whether the COO tensor carries no updates at all. Per
// spec.md §4.5, a push with an empty-indices COO grad is a no-op success.
func (c *COO) IsEmpty() bool {
	return c == nil || len(c.Indices) == 0
}

// ToDense scatters the COO tensor's rows into a freshly allocated dense
// tensor of the declared Shape. Rows that repeat an index are summed, which
// is the natural semantics for a gradient accumulated from multiple
// sparsified sources.
func (c *COO) ToDense() (*Dense, error) {
	out := NewDense(c.Shape, c.Elem)
	w := c.rowWidth()
	if w*int64(len(c.Indices)) != int64(len(c.Values)) {
		return nil, fmt.Errorf("tensor: COO values length %d does not match indices*rowWidth %d", len(c.Values), w*int64(len(c.Indices)))
	}
	rows := c.Shape[0]
	for i, idx := range c.Indices {
		if idx < 0 || idx >= rows {
			return nil, fmt.Errorf("tensor: COO index %d out of range [0,%d)", idx, rows)
		}
		base := idx * w
		srcBase := int64(i) * w
		for j := int64(0); j < w; j++ {
			out.Data[base+j] += c.Values[srcBase+j]
		}
	}
	return out, nil
}
