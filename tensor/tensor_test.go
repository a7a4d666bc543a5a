package tensor

import "testing"

func TestDenseArith(t *testing.T) {
	a := &Dense{Shape: Shape{3}, Elem: Float32, Data: []float64{1, 2, 3}}
	b := &Dense{Shape: Shape{3}, Elem: Float32, Data: []float64{4, 5, 6}}

	sum := a.Add(b)
	want := []float64{5, 7, 9}
	for i, v := range want {
		if sum.Data[i] != v {
			t.Errorf("Add[%d] = %v, want %v", i, sum.Data[i], v)
		}
	}

	diff := b.Sub(a)
	want = []float64{3, 3, 3}
	for i, v := range want {
		if diff.Data[i] != v {
			t.Errorf("Sub[%d] = %v, want %v", i, diff.Data[i], v)
		}
	}

	prod := a.Mul(b)
	want = []float64{4, 10, 18}
	for i, v := range want {
		if prod.Data[i] != v {
			t.Errorf("Mul[%d] = %v, want %v", i, prod.Data[i], v)
		}
	}
}

func TestDenseCloneIsIndependent(t *testing.T) {
	a := &Dense{Shape: Shape{2}, Elem: Float32, Data: []float64{1, 2}}
	clone := a.Clone()
	clone.Data[0] = 99
	if a.Data[0] != 1 {
		t.Fatalf("mutating clone affected original: %v", a.Data)
	}
}

func TestCOOToDenseSumsDuplicateIndices(t *testing.T) {
	c := &COO{
		Shape:   Shape{4, 2},
		Elem:    Float32,
		Indices: []int64{1, 1, 3},
		Values:  []float64{1, 1, 2, 2, 5, 5},
	}
	d, err := c.ToDense()
	if err != nil {
		t.Fatal(err)
	}
	want := &Dense{Shape: Shape{4, 2}, Elem: Float32, Data: []float64{0, 0, 3, 3, 0, 0, 5, 5}}
	if !d.Equal(want) {
		t.Fatalf("ToDense = %v, want %v", d.Data, want.Data)
	}
}

func TestCOOEmpty(t *testing.T) {
	var c *COO
	if !c.IsEmpty() {
		t.Fatal("nil COO should be empty")
	}
	c = &COO{Shape: Shape{4}, Indices: nil}
	if !c.IsEmpty() {
		t.Fatal("COO with no indices should be empty")
	}
}

func TestConstantInitializer(t *testing.T) {
	ini, err := NewInitializer(InitSpec{Kind: InitConstant, Params: map[string]string{"value": "0.5"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDense(Shape{4}, Float32)
	if err := ini.Initialize(d); err != nil {
		t.Fatal(err)
	}
	for _, v := range d.Data {
		if v != 0.5 {
			t.Errorf("got %v, want 0.5", v)
		}
	}
}
