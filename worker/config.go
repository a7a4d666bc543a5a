package worker

import (
	"context"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

// TableSpec describes one table a ClusterSpec wants registered. json tags
// (not yaml ones) are deliberate: sigs.k8s.io/yaml round-trips through
// encoding/json, so the same struct also decodes the model.json checkpoint
// debug dump directly.
type TableSpec struct {
	Name      string            `json:"name"`
	Dense     bool              `json:"dense"`
	Shape     []int64           `json:"shape,omitempty"`     // dense only
	Dimension int64             `json:"dimension,omitempty"` // sparse only
	Elem      string            `json:"element_type"`
	InitKind  string            `json:"init_kind,omitempty"`
	InitSpec  map[string]string `json:"init_params,omitempty"`
}

// ClusterSpec is the declarative description of a model an example worker
// binary loads at startup to register every table it needs (spec.md §10's
// YAML config document; original_source's worker config equivalent).
type ClusterSpec struct {
	Scheduler   string            `json:"scheduler"`
	ModelName   string            `json:"model_name"`
	OptimKind   string            `json:"optim_kind"`
	OptimParams map[string]string `json:"optim_params,omitempty"`
	Tables      []TableSpec       `json:"tables"`
}

// LoadClusterSpec reads and parses a ClusterSpec YAML document from path.
func LoadClusterSpec(path string) (*ClusterSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("worker: read cluster spec %s: %w", path, err)
	}
	var spec ClusterSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("worker: parse cluster spec %s: %w", path, err)
	}
	return &spec, nil
}

func elementTypeFromString(s string) (tensor.ElementType, error) {
	switch s {
	case "float32":
		return tensor.Float32, nil
	case "float64":
		return tensor.Float64, nil
	default:
		return 0, fmt.Errorf("worker: unsupported element_type %q", s)
	}
}

func initKindFromString(s string) (tensor.InitKind, error) {
	switch s {
	case "constant":
		return tensor.InitConstant, nil
	case "uniform":
		return tensor.InitUniform, nil
	case "normal":
		return tensor.InitNormal, nil
	case "xavier_uniform":
		return tensor.InitXavierUniform, nil
	case "xavier_normal":
		return tensor.InitXavierNormal, nil
	default:
		return 0, fmt.Errorf("worker: unsupported init_kind %q", s)
	}
}

// DenseSpec converts t into the arguments scheduler.RegisterDenseTable
// needs, allocating a zero-valued tensor of the declared shape.
func (t TableSpec) DenseSpec() (name string, val *tensor.Dense, err error) {
	elem, err := elementTypeFromString(t.Elem)
	if err != nil {
		return "", nil, err
	}
	return t.Name, tensor.NewDense(tensor.Shape(t.Shape), elem), nil
}

// SparseSpec converts t into the arguments scheduler.RegisterSparseTable
// needs.
func (t TableSpec) SparseSpec() (name string, dimension int64, elem tensor.ElementType, initSpec tensor.InitSpec, err error) {
	elem, err = elementTypeFromString(t.Elem)
	if err != nil {
		return "", 0, 0, tensor.InitSpec{}, err
	}
	kind, err := initKindFromString(t.InitKind)
	if err != nil {
		return "", 0, 0, tensor.InitSpec{}, err
	}
	return t.Name, t.Dimension, elem, tensor.InitSpec{Kind: kind, Params: t.InitSpec}, nil
}

// Apply dials schedAddr directly and issues InitModel followed by one
// RegisterDenseTable/RegisterSparseTable per table, so an example worker
// binary can describe and stand up a whole model from one YAML document
// without linking against the scheduler package itself — only the RPC
// surface scheduler/serve.go already exposes to any wire client.
func (spec *ClusterSpec) Apply(ctx context.Context) (map[string]uint64, error) {
	conn, err := wire.Dial("tcp", spec.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("worker: dial scheduler %s: %w", spec.Scheduler, err)
	}
	defer conn.Close()

	initReq := ps.InitModelRequest{Name: spec.ModelName, OptimKind: spec.OptimKind, OptimParams: spec.OptimParams}
	if _, err := conn.Call(ctx, wire.RPCInitModel, initReq.Encode()); err != nil {
		return nil, fmt.Errorf("worker: InitModel %q: %w", spec.ModelName, err)
	}

	ids := make(map[string]uint64, len(spec.Tables))
	for _, t := range spec.Tables {
		if t.Dense {
			name, val, err := t.DenseSpec()
			if err != nil {
				return nil, fmt.Errorf("worker: table %q: %w", t.Name, err)
			}
			req := ps.RegisterDenseTableRequest{Name: name, Val: val}
			body, err := conn.Call(ctx, wire.RPCRegisterDenseTable, req.Encode())
			if err != nil {
				return nil, fmt.Errorf("worker: RegisterDenseTable %q: %w", name, err)
			}
			reply, err := ps.DecodeRegisterTableReply(body)
			if err != nil {
				return nil, err
			}
			ids[name] = reply.TableID
			continue
		}
		name, dimension, elem, initSpec, err := t.SparseSpec()
		if err != nil {
			return nil, fmt.Errorf("worker: table %q: %w", t.Name, err)
		}
		req := ps.RegisterSparseTableRequest{Name: name, Dimension: dimension, Elem: elem, InitSpec: initSpec}
		body, err := conn.Call(ctx, wire.RPCRegisterSparseTable, req.Encode())
		if err != nil {
			return nil, fmt.Errorf("worker: RegisterSparseTable %q: %w", name, err)
		}
		reply, err := ps.DecodeRegisterTableReply(body)
		if err != nil {
			return nil, err
		}
		ids[name] = reply.TableID
	}
	return ids, nil
}
