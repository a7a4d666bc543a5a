package wire

import (
	"fmt"

	"github.com/kraken-ps/kraken/tensor"
)

// tensor layout tags (spec.md §6: "layout: u8").
const (
	layoutDense uint8 = 0
	layoutCOO   uint8 = 1
)

// EncodeDense appends a dense tensor: layout tag, shape (vec<i64>),
// element_type (u8), then the data as a u64 element count followed by one
// 8-byte float64 per element. The data width does not depend on
// element_type: a Float32 tensor is also written as 8-byte values.
func EncodeDense(b *Buffer, t *tensor.Dense) {
	b.WriteU8(layoutDense)
	b.WriteI64Vector([]int64(t.Shape))
	b.WriteU8(uint8(t.Elem))
	b.WriteF64Vector(t.Data)
}

// decodeDenseBody decodes the body of a dense tensor, assuming the layout
// tag has already been consumed by the caller (see DecodeAnyTensor).
func decodeDenseBody(r *Reader) (*tensor.Dense, error) {
	shape, err := r.ReadI64Vector()
	if err != nil {
		return nil, fmt.Errorf("wire: dense shape: %w", err)
	}
	elemByte, err := r.ReadU8()
	if err != nil {
		return nil, fmt.Errorf("wire: dense element_type: %w", err)
	}
	data, err := r.ReadF64Vector()
	if err != nil {
		return nil, fmt.Errorf("wire: dense data: %w", err)
	}
	return &tensor.Dense{Shape: tensor.Shape(shape), Elem: tensor.ElementType(elemByte), Data: data}, nil
}

// EncodeCOO appends a COO tensor as layout tag, shape (vec<i64>),
// element_type (u8), indices (vec<i64>), values (vec of 8-byte float64).
// Indices and values are plain vectors, not nested tagged tensors.
func EncodeCOO(b *Buffer, c *tensor.COO) {
	b.WriteU8(layoutCOO)
	b.WriteI64Vector([]int64(c.Shape))
	b.WriteU8(uint8(c.Elem))
	b.WriteI64Vector(c.Indices)
	b.WriteF64Vector(c.Values)
}

func decodeCOOBody(r *Reader) (*tensor.COO, error) {
	shape, err := r.ReadI64Vector()
	if err != nil {
		return nil, fmt.Errorf("wire: coo shape: %w", err)
	}
	elemByte, err := r.ReadU8()
	if err != nil {
		return nil, fmt.Errorf("wire: coo element_type: %w", err)
	}
	indices, err := r.ReadI64Vector()
	if err != nil {
		return nil, fmt.Errorf("wire: coo indices: %w", err)
	}
	values, err := r.ReadF64Vector()
	if err != nil {
		return nil, fmt.Errorf("wire: coo values: %w", err)
	}
	return &tensor.COO{Shape: tensor.Shape(shape), Elem: tensor.ElementType(elemByte), Indices: indices, Values: values}, nil
}

// AnyTensor is either a Dense or a COO tensor, tagged the way a gradient
// argument can be either on the wire (spec.md §4.5: "If grad is COO...").
type AnyTensor struct {
	Dense *tensor.Dense
	COO   *tensor.COO
}

// EncodeAnyTensor writes whichever of Dense/COO is set.
func EncodeAnyTensor(b *Buffer, t AnyTensor) {
	if t.COO != nil {
		EncodeCOO(b, t.COO)
		return
	}
	if t.Dense == nil {
		// an absent tensor still needs a tag; represent it as an empty dense
		t.Dense = &tensor.Dense{}
	}
	EncodeDense(b, t.Dense)
}

// DecodeAnyTensor reads a layout-tagged tensor.
func DecodeAnyTensor(r *Reader) (AnyTensor, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return AnyTensor{}, fmt.Errorf("wire: tensor layout tag: %w", err)
	}
	switch tag {
	case layoutDense:
		d, err := decodeDenseBody(r)
		if err != nil {
			return AnyTensor{}, err
		}
		return AnyTensor{Dense: d}, nil
	case layoutCOO:
		c, err := decodeCOOBody(r)
		if err != nil {
			return AnyTensor{}, err
		}
		return AnyTensor{COO: c}, nil
	default:
		return AnyTensor{}, fmt.Errorf("wire: unknown tensor layout tag %d", tag)
	}
}
