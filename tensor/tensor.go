// Package tensor provides the minimal dense/COO tensor runtime that the
// table engine needs to apply gradients and run optimizers.
//
// The full numeric runtime (elementwise kernels, initializers, optimizer
// arithmetic implemented over SIMD/BLAS) is explicitly out of scope for this
// repository (see spec.md §1 non-goals) — production deployments are
// expected to bind this package's interfaces to a real tensor library. This
// implementation exists only so the rest of the module compiles and its
// correctness properties (spec.md §8.5) are checkable without an external
// numeric dependency; see DESIGN.md for why no third-party tensor library
// from the example corpus was a fit.
package tensor

import (
	"fmt"
	"math"
)

// ElementType is the element type of a Tensor, mirroring spec.md §3's
// "element_type" field of TableMetaData and Value.
type ElementType uint8

const (
	Float32 ElementType = iota
	Float64
)

// ByteWidth returns the on-the-wire width of a single element.
func (e ElementType) ByteWidth() int {
	switch e {
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		panic(fmt.Sprintf("tensor: unsupported element type %d", e))
	}
}

func (e ElementType) String() string {
	switch e {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("ElementType(%d)", e)
	}
}

// Shape is a tensor's dimensions, e.g. [10, 10] for a matrix or
// [dimension] for a sparse embedding row.
type Shape []int64

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Size returns the number of elements described by the shape.
func (s Shape) Size() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Dense is a dense tensor. Values are always kept internally as float64 for
// arithmetic simplicity; Elem only affects wire/file encoding width.
type Dense struct {
	Shape Shape
	Elem  ElementType
	Data  []float64
}

// NewDense allocates a zero-filled dense tensor of the given shape/type.
func NewDense(shape Shape, elem ElementType) *Dense {
	return &Dense{Shape: shape.Clone(), Elem: elem, Data: make([]float64, shape.Size())}
}

// Size returns the number of elements.
func (d *Dense) Size() int64 { return int64(len(d.Data)) }

// Clone returns a deep copy. Callers of DenseTable.pull/SparseTable.pull
// always receive a Clone so they may mutate the result freely (spec.md
// §4.5).
func (d *Dense) Clone() *Dense {
	out := &Dense{Shape: d.Shape.Clone(), Elem: d.Elem, Data: make([]float64, len(d.Data))}
	copy(out.Data, d.Data)
	return out
}

// Like returns a new tensor with the same shape/type as d but does not copy
// its values (callers typically call .Zero() on the result).
func (d *Dense) Like() *Dense {
	return &Dense{Shape: d.Shape.Clone(), Elem: d.Elem, Data: make([]float64, len(d.Data))}
}

// Zero zeroes d's values in place and returns d, to mirror the Kraken
// `Like().Zero()` idiom used throughout its optimizer implementations.
func (d *Dense) Zero() *Dense {
	for i := range d.Data {
		d.Data[i] = 0
	}
	return d
}

func (d *Dense) sameShape(o *Dense) bool {
	return d.Shape.Equal(o.Shape) && d.Elem == o.Elem
}

// Add returns d + o, elementwise.
func (d *Dense) Add(o *Dense) *Dense {
	if !d.sameShape(o) {
		panic("tensor: shape/type mismatch in Add")
	}
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = d.Data[i] + o.Data[i]
	}
	return out
}

// AddScalarMul returns d + scale*o, elementwise; used for weight decay and
// momentum terms (`grad += weight_decay * val`, `m = beta1*m + (1-beta1)*grad`).
func (d *Dense) AddScalarMul(scale float64, o *Dense) *Dense {
	if !d.sameShape(o) {
		panic("tensor: shape/type mismatch in AddScalarMul")
	}
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = d.Data[i] + scale*o.Data[i]
	}
	return out
}

// Scale returns scale*d, elementwise.
func (d *Dense) Scale(scale float64) *Dense {
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = scale * d.Data[i]
	}
	return out
}

// Sub returns d - o, elementwise.
func (d *Dense) Sub(o *Dense) *Dense {
	if !d.sameShape(o) {
		panic("tensor: shape/type mismatch in Sub")
	}
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = d.Data[i] - o.Data[i]
	}
	return out
}

// SubInPlace computes d -= o and returns d.
func (d *Dense) SubInPlace(o *Dense) *Dense {
	if !d.sameShape(o) {
		panic("tensor: shape/type mismatch in SubInPlace")
	}
	for i := range d.Data {
		d.Data[i] -= o.Data[i]
	}
	return d
}

// Mul returns d * o, elementwise (Hadamard product).
func (d *Dense) Mul(o *Dense) *Dense {
	if !d.sameShape(o) {
		panic("tensor: shape/type mismatch in Mul")
	}
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = d.Data[i] * o.Data[i]
	}
	return out
}

// Div returns d / o, elementwise.
func (d *Dense) Div(o *Dense) *Dense {
	if !d.sameShape(o) {
		panic("tensor: shape/type mismatch in Div")
	}
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = d.Data[i] / o.Data[i]
	}
	return out
}

// Square returns d*d, elementwise.
func (d *Dense) Square() *Dense {
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = d.Data[i] * d.Data[i]
	}
	return out
}

// Sqrt returns sqrt(d), elementwise. If addEps is non-zero it is added
// before taking the root is *not* performed here (see AddEps) — Sqrt always
// takes the plain root, matching Kraken's Tensor::Sqrt(bool) default form
// used by Adagrad/Adam (epsilon is added to the result by the caller).
func (d *Dense) Sqrt() *Dense {
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = math.Sqrt(d.Data[i])
	}
	return out
}

// AddEps returns d + eps, elementwise, with a scalar eps.
func (d *Dense) AddEps(eps float64) *Dense {
	out := d.Like()
	for i := range d.Data {
		out.Data[i] = d.Data[i] + eps
	}
	return out
}

// Max returns elementwise max(d, o).
func (d *Dense) Max(o *Dense) *Dense {
	if !d.sameShape(o) {
		panic("tensor: shape/type mismatch in Max")
	}
	out := d.Like()
	for i := range d.Data {
		if d.Data[i] >= o.Data[i] {
			out.Data[i] = d.Data[i]
		} else {
			out.Data[i] = o.Data[i]
		}
	}
	return out
}

// Fill sets every element of d to v and returns d.
func (d *Dense) Fill(v float64) *Dense {
	for i := range d.Data {
		d.Data[i] = v
	}
	return d
}

// Equal reports whether d and o have identical shape, type and values.
func (d *Dense) Equal(o *Dense) bool {
	if !d.sameShape(o) {
		return false
	}
	for i := range d.Data {
		if d.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// Close reports whether d and o are elementwise equal within an absolute
// epsilon, used by the optimizer-correctness tests in spec.md §8.5.
func (d *Dense) Close(o *Dense, eps float64) bool {
	if !d.sameShape(o) {
		return false
	}
	for i := range d.Data {
		if math.Abs(d.Data[i]-o.Data[i]) > eps {
			return false
		}
	}
	return true
}
