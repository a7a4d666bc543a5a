package table

import (
	"fmt"
	"strconv"
)

func getFloat(params map[string]string, key string, def float64) (float64, bool, error) {
	v, ok := params[key]
	if !ok {
		return def, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("table: bad float param %q=%q: %w", key, v, err)
	}
	return f, true, nil
}

func getBool(params map[string]string, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("table: bad bool param %q=%q: %w", key, v, err)
	}
	return b, nil
}

// NewOptim builds an Optim from its wire kind name and a free-form
// parameter map (spec.md §3 ModelMetaData.optim_params), mirroring the
// conf-driven construction of original_source/kraken/ps/optim/*.cc's
// GetConf-based constructors.
func NewOptim(kind string, params map[string]string) (Optim, error) {
	switch kind {
	case "sgd":
		wd, hasWD, err := getFloat(params, "weight_decay", 0)
		if err != nil {
			return nil, err
		}
		mom, hasMom, err := getFloat(params, "momentum", 0)
		if err != nil {
			return nil, err
		}
		damp, hasDamp, err := getFloat(params, "dampening", 0)
		if err != nil {
			return nil, err
		}
		nesterov, err := getBool(params, "nesterov", false)
		if err != nil {
			return nil, err
		}
		return &SGD{
			HasWeightDecay: hasWD, WeightDecay: wd,
			HasMomentum: hasMom, Momentum: mom,
			HasDampening: hasDamp, Dampening: damp,
			Nesterov: nesterov,
		}, nil

	case "adagrad":
		wd, hasWD, err := getFloat(params, "weight_decay", 0)
		if err != nil {
			return nil, err
		}
		eps, _, err := getFloat(params, "eps", 1e-10)
		if err != nil {
			return nil, err
		}
		return &Adagrad{HasWeightDecay: hasWD, WeightDecay: wd, Eps: eps}, nil

	case "adam":
		wd, hasWD, err := getFloat(params, "weight_decay", 0)
		if err != nil {
			return nil, err
		}
		beta1, _, err := getFloat(params, "beta1", 0.9)
		if err != nil {
			return nil, err
		}
		beta2, _, err := getFloat(params, "beta2", 0.999)
		if err != nil {
			return nil, err
		}
		eps, _, err := getFloat(params, "eps", 1e-8)
		if err != nil {
			return nil, err
		}
		amsgrad, err := getBool(params, "amsgrad", false)
		if err != nil {
			return nil, err
		}
		return &Adam{
			HasWeightDecay: hasWD, WeightDecay: wd,
			Beta1: beta1, Beta2: beta2, Eps: eps, AMSGrad: amsgrad,
		}, nil

	case "rmsprop":
		wd, hasWD, err := getFloat(params, "weight_decay", 0)
		if err != nil {
			return nil, err
		}
		mom, hasMom, err := getFloat(params, "momentum", 0)
		if err != nil {
			return nil, err
		}
		alpha, _, err := getFloat(params, "alpha", 0.99)
		if err != nil {
			return nil, err
		}
		eps, _, err := getFloat(params, "eps", 1e-8)
		if err != nil {
			return nil, err
		}
		centered, err := getBool(params, "centered", false)
		if err != nil {
			return nil, err
		}
		return &RMSprop{
			HasWeightDecay: hasWD, WeightDecay: wd,
			HasMomentum: hasMom, Momentum: mom,
			Alpha: alpha, Eps: eps, Centered: centered,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnSupportOptimType, kind)
	}
}
