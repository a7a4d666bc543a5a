package table

import (
	"fmt"
	"math"

	"github.com/kraken-ps/kraken/tensor"
)

// ErrGradientUnCompatible mirrors spec.md §7's GradientUnCompatible error:
// the incoming gradient's size or element type doesn't match the row it's
// being applied to.
var ErrGradientUnCompatible = fmt.Errorf("table: gradient incompatible with value")

// ErrUnSupportOptimType mirrors spec.md §7.
var ErrUnSupportOptimType = fmt.Errorf("table: unsupported optimizer type")

// Gradient is either a dense or a COO tensor, the two shapes a push can
// carry (spec.md §4.5: "grad may be COO").
type Gradient struct {
	Dense *tensor.Dense
	COO   *tensor.COO
}

// toDense resolves g to its dense form, reporting (nil, true, nil) for an
// empty COO gradient — the original's "do nothing on an empty sparse
// gradient" short-circuit, common to every optimizer's Update.
func (g Gradient) toDense() (t *tensor.Dense, skip bool, err error) {
	if g.COO != nil {
		if g.COO.IsEmpty() {
			return nil, true, nil
		}
		d, derr := g.COO.ToDense()
		return d, false, derr
	}
	if g.Dense == nil {
		return nil, true, nil
	}
	return g.Dense, false, nil
}

func checkCompatible(grad, val *tensor.Dense) error {
	if grad.Size() != val.Size() || grad.Elem != val.Elem {
		return ErrGradientUnCompatible
	}
	return nil
}

// Optim is the interface every optimizer family implements (spec.md §4.5):
// apply one gradient to one row's Value in place.
type Optim interface {
	// Name identifies the optimizer for ModelMetaData.optim_kind.
	Name() string
	// Update applies grad to value at learning rate lr.
	Update(grad Gradient, lr float64, value *Value) error
}

// --- SGD ---------------------------------------------------------------

// SGD implements stochastic gradient descent with optional weight decay,
// momentum (with dampening), and Nesterov acceleration. Grounded on
// original_source/kraken/ps/optim/sgd.cc.
type SGD struct {
	HasWeightDecay bool
	WeightDecay    float64
	HasMomentum    bool
	Momentum       float64
	HasDampening   bool
	Dampening      float64
	Nesterov       bool
}

func (s *SGD) Name() string { return "sgd" }

func (s *SGD) Update(grad Gradient, lr float64, value *Value) error {
	g, skip, err := grad.toDense()
	if err != nil || skip {
		return err
	}
	if err := checkCompatible(g, value.Val); err != nil {
		return err
	}

	if s.HasWeightDecay {
		g = g.AddScalarMul(s.WeightDecay, value.Val)
	}

	if s.HasMomentum {
		mb, ok := value.States[StateMomentumBuffer]
		if !ok {
			mb = g.Clone()
			value.States[StateMomentumBuffer] = mb
		} else {
			dampening := 0.0
			if s.HasDampening {
				dampening = s.Dampening
			}
			mb = mb.Scale(s.Momentum).AddScalarMul(1.0-dampening, g)
			value.States[StateMomentumBuffer] = mb
		}

		if s.Nesterov {
			g = g.AddScalarMul(s.Momentum, mb)
		} else {
			g = mb
		}
	}

	value.Val.SubInPlace(g.Scale(lr))
	return nil
}

// --- Adagrad -------------------------------------------------------------

// Adagrad implements the Adagrad optimizer (spec.md §4.5). Grounded on
// original_source/kraken/ps/optim/adagrad.cc.
type Adagrad struct {
	HasWeightDecay bool
	WeightDecay    float64
	Eps            float64
}

func (a *Adagrad) Name() string { return "adagrad" }

func (a *Adagrad) Update(grad Gradient, lr float64, value *Value) error {
	g, skip, err := grad.toDense()
	if err != nil || skip {
		return err
	}
	if err := checkCompatible(g, value.Val); err != nil {
		return err
	}

	stateSum := value.state(StateStateSum)

	if a.HasWeightDecay {
		g = g.AddScalarMul(a.WeightDecay, value.Val)
	}

	stateSum = stateSum.Add(g.Square())
	value.States[StateStateSum] = stateSum

	update := g.Div(stateSum.Sqrt().AddEps(a.Eps)).Scale(lr)
	value.Val.SubInPlace(update)
	return nil
}

// --- Adam ------------------------------------------------------------

// Adam implements Adam/AMSGrad (spec.md §4.5). Grounded on
// original_source/kraken/ps/optim/adam.cc.
type Adam struct {
	HasWeightDecay bool
	WeightDecay    float64
	Beta1          float64
	Beta2          float64
	Eps            float64
	AMSGrad        bool
}

func (a *Adam) Name() string { return "adam" }

func (a *Adam) Update(grad Gradient, lr float64, value *Value) error {
	g, skip, err := grad.toDense()
	if err != nil || skip {
		return err
	}
	if err := checkCompatible(g, value.Val); err != nil {
		return err
	}

	m := value.state(StateFirstMoment)
	v := value.state(StateSecondMoment)

	if a.HasWeightDecay {
		g = g.AddScalarMul(a.WeightDecay, value.Val)
	}

	m = m.Scale(a.Beta1).AddScalarMul(1.0-a.Beta1, g)
	v = v.Scale(a.Beta2).AddScalarMul(1.0-a.Beta2, g.Square())
	value.States[StateFirstMoment] = m
	value.States[StateSecondMoment] = v

	steps := value.bumpCounter(StateSteps)

	mt := m.Scale(1.0 / (1.0 - math.Pow(a.Beta1, float64(steps))))
	vt := v.Scale(1.0 / (1.0 - math.Pow(a.Beta2, float64(steps))))

	if a.AMSGrad {
		vMax := value.state(StateSecondMomentMax)
		vMax = vMax.Max(vt)
		value.States[StateSecondMomentMax] = vMax
		update := mt.Div(vMax.Sqrt().AddEps(a.Eps)).Scale(lr)
		value.Val.SubInPlace(update)
	} else {
		update := mt.Div(vt.Sqrt().AddEps(a.Eps)).Scale(lr)
		value.Val.SubInPlace(update)
	}
	return nil
}

// --- RMSprop -------------------------------------------------------------

// RMSprop implements RMSprop with optional centering and momentum (spec.md
// §4.5). Grounded on original_source/kraken/ps/optim/rmsprop.cc.
type RMSprop struct {
	HasWeightDecay bool
	WeightDecay    float64
	HasMomentum    bool
	Momentum       float64
	Alpha          float64
	Eps            float64
	Centered       bool
}

func (r *RMSprop) Name() string { return "rmsprop" }

func (r *RMSprop) Update(grad Gradient, lr float64, value *Value) error {
	g, skip, err := grad.toDense()
	if err != nil || skip {
		return err
	}
	if err := checkCompatible(g, value.Val); err != nil {
		return err
	}

	if r.HasWeightDecay {
		g = g.AddScalarMul(r.WeightDecay, value.Val)
	}

	vt := value.state(StateSquareAverage)
	vt = vt.Scale(r.Alpha).AddScalarMul(1.0-r.Alpha, g.Square())
	value.States[StateSquareAverage] = vt

	if r.Centered {
		gAve := value.state(StateGAve)
		gAve = gAve.Scale(r.Alpha).AddScalarMul(1.0-r.Alpha, g)
		value.States[StateGAve] = gAve
		vt = vt.Sub(gAve.Square())
	}

	if r.HasMomentum {
		bt := value.state(StateMomentumBuffer)
		bt = bt.Scale(r.Momentum).Add(g.Div(vt.Sqrt().AddEps(r.Eps)))
		value.States[StateMomentumBuffer] = bt
		value.Val.SubInPlace(bt.Scale(lr))
	} else {
		value.Val.SubInPlace(g.Div(vt.Sqrt().AddEps(r.Eps)).Scale(lr))
	}
	return nil
}
