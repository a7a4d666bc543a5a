package table

import (
	"math"
	"testing"

	"github.com/kraken-ps/kraken/tensor"
)

func denseOf(vals ...float64) *tensor.Dense {
	return &tensor.Dense{Shape: tensor.Shape{int64(len(vals))}, Elem: tensor.Float64, Data: append([]float64(nil), vals...)}
}

// TestSGDPlainStep covers spec.md §8.5's SGD worked example: no weight
// decay, no momentum, val -= lr*grad.
func TestSGDPlainStep(t *testing.T) {
	v := NewValue(denseOf(1, 2, 3))
	sgd := &SGD{}
	if err := sgd.Update(Gradient{Dense: denseOf(0.1, 0.2, 0.3)}, 0.5, v); err != nil {
		t.Fatal(err)
	}
	want := denseOf(0.95, 1.9, 2.85)
	if !v.Val.Close(want, 1e-9) {
		t.Fatalf("got %v, want %v", v.Val.Data, want.Data)
	}
}

func TestSGDMomentumNesterov(t *testing.T) {
	v := NewValue(denseOf(0))
	sgd := &SGD{HasMomentum: true, Momentum: 0.9, Nesterov: true}
	grad := Gradient{Dense: denseOf(1)}

	// first step: momentum buffer seeded with grad itself (clone).
	if err := sgd.Update(grad, 1.0, v); err != nil {
		t.Fatal(err)
	}
	mb := v.States[StateMomentumBuffer]
	if !mb.Close(denseOf(1), 1e-9) {
		t.Fatalf("momentum buffer after step 1 = %v, want [1]", mb.Data)
	}
	// nesterov: effective grad = grad + momentum*mb = 1 + 0.9*1 = 1.9
	if !v.Val.Close(denseOf(-1.9), 1e-9) {
		t.Fatalf("val after step 1 = %v, want [-1.9]", v.Val.Data)
	}
}

// TestAdagradAccumulation covers spec.md §8.5's Adagrad worked example.
func TestAdagradAccumulation(t *testing.T) {
	v := NewValue(denseOf(1))
	ada := &Adagrad{Eps: 1e-10}
	grad := Gradient{Dense: denseOf(2)}

	if err := ada.Update(grad, 1.0, v); err != nil {
		t.Fatal(err)
	}
	// state_sum = 4, update = 1*2/(sqrt(4)+eps) ~= 1
	wantVal := 1.0 - 2.0/(math.Sqrt(4)+1e-10)
	if math.Abs(v.Val.Data[0]-wantVal) > 1e-9 {
		t.Fatalf("val after step 1 = %v, want %v", v.Val.Data[0], wantVal)
	}
}

// TestAdamBiasCorrection covers spec.md §8.5's Adam worked example: first
// step bias-corrected moments reduce to the raw gradient direction.
func TestAdamBiasCorrection(t *testing.T) {
	v := NewValue(denseOf(0))
	adam := &Adam{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	grad := Gradient{Dense: denseOf(1)}

	if err := adam.Update(grad, 0.1, v); err != nil {
		t.Fatal(err)
	}
	// m = 0.1*1 = 0.1, mt = 0.1/(1-0.9) = 1
	// v = 0.001*1 = 0.001, vt = 0.001/(1-0.999) = 1
	// update = lr * mt/(sqrt(vt)+eps) ~= 0.1 * 1/1 = 0.1
	if math.Abs(v.Val.Data[0]-(-0.1)) > 1e-6 {
		t.Fatalf("val after step 1 = %v, want ~-0.1", v.Val.Data[0])
	}
	if v.StateCounters[StateSteps] != 1 {
		t.Fatalf("steps = %d, want 1", v.StateCounters[StateSteps])
	}
}

func TestAdamAMSGradTracksMax(t *testing.T) {
	v := NewValue(denseOf(0))
	adam := &Adam{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, AMSGrad: true}
	if err := adam.Update(Gradient{Dense: denseOf(1)}, 0.1, v); err != nil {
		t.Fatal(err)
	}
	if err := adam.Update(Gradient{Dense: denseOf(0.01)}, 0.1, v); err != nil {
		t.Fatal(err)
	}
	if _, ok := v.States[StateSecondMomentMax]; !ok {
		t.Fatal("amsgrad should populate SecondMomentMax")
	}
}

func TestEmptyCOOGradientIsNoOp(t *testing.T) {
	v := NewValue(denseOf(1, 2, 3))
	sgd := &SGD{}
	emptyCOO := &tensor.COO{Shape: tensor.Shape{3}, Elem: tensor.Float64}
	if err := sgd.Update(Gradient{COO: emptyCOO}, 1.0, v); err != nil {
		t.Fatal(err)
	}
	if !v.Val.Close(denseOf(1, 2, 3), 0) {
		t.Fatalf("empty COO gradient should be a no-op, got %v", v.Val.Data)
	}
}

func TestGradientIncompatibleSizeErrors(t *testing.T) {
	v := NewValue(denseOf(1, 2, 3))
	sgd := &SGD{}
	err := sgd.Update(Gradient{Dense: denseOf(1, 2)}, 1.0, v)
	if err != ErrGradientUnCompatible {
		t.Fatalf("got err=%v, want ErrGradientUnCompatible", err)
	}
}

func TestNewOptimFromParams(t *testing.T) {
	o, err := NewOptim("adam", map[string]string{"beta1": "0.8", "amsgrad": "true"})
	if err != nil {
		t.Fatal(err)
	}
	adam, ok := o.(*Adam)
	if !ok {
		t.Fatalf("got %T, want *Adam", o)
	}
	if adam.Beta1 != 0.8 || !adam.AMSGrad {
		t.Fatalf("params not applied: %+v", adam)
	}

	if _, err := NewOptim("bogus", nil); err == nil {
		t.Fatal("expected error for unsupported optim kind")
	}
}
