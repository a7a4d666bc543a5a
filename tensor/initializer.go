package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
)

// InitKind names the initialization strategy used to create a SparseTable
// row's value on first touch (spec.md §3 TableMetaData.init_spec).
type InitKind uint8

const (
	InitConstant InitKind = iota
	InitUniform
	InitNormal
	InitXavierUniform
	InitXavierNormal
)

func (k InitKind) String() string {
	switch k {
	case InitConstant:
		return "constant"
	case InitUniform:
		return "uniform"
	case InitNormal:
		return "normal"
	case InitXavierUniform:
		return "xavier_uniform"
	case InitXavierNormal:
		return "xavier_normal"
	default:
		return fmt.Sprintf("InitKind(%d)", k)
	}
}

// ErrUnSupportInitializerType is returned when a table's init_spec names a
// kind this runtime doesn't implement (spec.md §7 error taxonomy).
var ErrUnSupportInitializerType = fmt.Errorf("tensor: unsupported initializer type")

// InitSpec is the wire/config representation of an initializer: a kind plus
// a free-form parameter map, matching ModelMetaData.optim_params' shape and
// Kraken's Initializer::conf() round-trip.
type InitSpec struct {
	Kind   InitKind
	Params map[string]string
}

func getFloat(params map[string]string, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("tensor: bad float param %q=%q: %w", key, v, err)
	}
	return f, nil
}

// Initializer creates the initial value tensor for a table row, lazily, on
// first push/pull of an ID that has no entry (spec.md §3 SparseTable
// invariant).
type Initializer struct {
	spec InitSpec

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// NewInitializer builds an Initializer from a spec. rng may be nil, in which
// case the Initializer creates its own source seeded with 1. Initialize
// holds the Initializer's own mutex while it uses rng, so one Initializer
// may be shared by concurrent row creations (SparseTable creates rows under
// per-slot locks and, on a pull miss, under no lock at all).
func NewInitializer(spec InitSpec, rng *rand.Rand) (*Initializer, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch spec.Kind {
	case InitConstant, InitUniform, InitNormal, InitXavierUniform, InitXavierNormal:
	default:
		return nil, ErrUnSupportInitializerType
	}
	return &Initializer{spec: spec, rng: rng}, nil
}

// Initialize fills val in place per the initializer's kind and params.
func (ini *Initializer) Initialize(val *Dense) error {
	ini.mu.Lock()
	defer ini.mu.Unlock()
	p := ini.spec.Params
	switch ini.spec.Kind {
	case InitConstant:
		v, err := getFloat(p, "value", 0)
		if err != nil {
			return err
		}
		val.Fill(v)
	case InitUniform:
		lo, err := getFloat(p, "lower", 0)
		if err != nil {
			return err
		}
		hi, err := getFloat(p, "upper", 1)
		if err != nil {
			return err
		}
		for i := range val.Data {
			val.Data[i] = lo + ini.rng.Float64()*(hi-lo)
		}
	case InitNormal:
		mean, err := getFloat(p, "mean", 0)
		if err != nil {
			return err
		}
		std, err := getFloat(p, "stddev", 1)
		if err != nil {
			return err
		}
		for i := range val.Data {
			val.Data[i] = mean + ini.rng.NormFloat64()*std
		}
	case InitXavierUniform:
		gain, err := getFloat(p, "gain", 1)
		if err != nil {
			return err
		}
		fanIn, fanOut := fanInOut(val.Shape)
		std := gain * math.Sqrt(2.0/float64(fanIn+fanOut))
		bound := math.Sqrt(3.0) * std
		for i := range val.Data {
			val.Data[i] = -bound + ini.rng.Float64()*2*bound
		}
	case InitXavierNormal:
		gain, err := getFloat(p, "gain", 1)
		if err != nil {
			return err
		}
		fanIn, fanOut := fanInOut(val.Shape)
		std := gain * math.Sqrt(2.0/float64(fanIn+fanOut))
		for i := range val.Data {
			val.Data[i] = ini.rng.NormFloat64() * std
		}
	default:
		return ErrUnSupportInitializerType
	}
	return nil
}

// fanInOut mirrors Kraken's CalFanInAndFanOut (common/math.cc): dimension 0
// is fan_out, dimension 1 is fan_in, any remaining dimensions multiply in as
// receptive field size. A 1-D shape (the common sparse-row case) yields
// fan_in == fan_out == shape[0].
func fanInOut(shape Shape) (fanIn, fanOut int64) {
	fanIn, fanOut = 1, 1
	if len(shape) >= 1 {
		fanOut = shape[0]
		fanIn = shape[0]
	}
	if len(shape) >= 2 {
		fanIn = shape[1]
	}
	receptive := int64(1)
	if len(shape) > 2 {
		for _, d := range shape[2:] {
			receptive *= d
		}
	}
	fanIn *= receptive
	fanOut *= receptive
	return
}
