package wire

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"reflect"
	"testing"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/tensor"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestPrimitiveRoundTrip(t *testing.T) {
	b := NewBuffer(64)
	b.WriteU8(7)
	b.WriteU32(1 << 20)
	b.WriteU64(1 << 40)
	b.WriteI64(-5)
	b.WriteF64(3.25)
	b.WriteBool(true)
	b.WriteString("hello")
	b.WriteU64Vector([]uint64{1, 2, 3})

	r := NewReader(b.Bytes())
	if v, _ := r.ReadU8(); v != 7 {
		t.Fatalf("u8 = %d", v)
	}
	if v, _ := r.ReadU32(); v != 1<<20 {
		t.Fatalf("u32 = %d", v)
	}
	if v, _ := r.ReadU64(); v != 1<<40 {
		t.Fatalf("u64 = %d", v)
	}
	if v, _ := r.ReadI64(); v != -5 {
		t.Fatalf("i64 = %d", v)
	}
	if v, _ := r.ReadF64(); v != 3.25 {
		t.Fatalf("f64 = %f", v)
	}
	if v, _ := r.ReadBool(); v != true {
		t.Fatalf("bool = %v", v)
	}
	if v, _ := r.ReadString(); v != "hello" {
		t.Fatalf("string = %q", v)
	}
	if v, _ := r.ReadU64Vector(); !reflect.DeepEqual(v, []uint64{1, 2, 3}) {
		t.Fatalf("vector = %v", v)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected no leftover bytes, got %d", r.Remaining())
	}
}

func TestTensorRoundTrip(t *testing.T) {
	dense := &tensor.Dense{Shape: tensor.Shape{2, 3}, Elem: tensor.Float32, Data: []float64{1, 2, 3, 4, 5, 6}}
	b := NewBuffer(64)
	EncodeAnyTensor(b, AnyTensor{Dense: dense})
	got, err := DecodeAnyTensor(NewReader(b.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Dense.Shape.Equal(dense.Shape) || !reflect.DeepEqual(got.Dense.Data, dense.Data) {
		t.Fatalf("dense round trip mismatch: got %+v", got.Dense)
	}

	coo := &tensor.COO{Shape: tensor.Shape{10, 4}, Elem: tensor.Float64, Indices: []int64{0, 5}, Values: []float64{1, 2, 3, 4, 5, 6, 7, 8}}
	b2 := NewBuffer(64)
	EncodeAnyTensor(b2, AnyTensor{COO: coo})
	got2, err := DecodeAnyTensor(NewReader(b2.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got2.COO.Indices, coo.Indices) || !reflect.DeepEqual(got2.COO.Values, coo.Values) {
		t.Fatalf("coo round trip mismatch: got %+v", got2.COO)
	}
}

func TestRouterRoundTrip(t *testing.T) {
	rt := ring.New()
	rt.Add(0, "a")
	rt.Add(1, "b")
	rt.Remove(0)
	rt.Add(2, "c")

	b := NewBuffer(128)
	EncodeRouter(b, rt.Snapshot())
	snap, err := DecodeRouter(NewReader(b.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	rebuilt := ring.FromSnapshot(snap)
	if !rt.Equal(rebuilt) {
		t.Fatalf("router round trip mismatch:\nwant %s\ngot  %s", rt.Str(), rebuilt.Str())
	}
}

func TestModelMetaDataRoundTrip(t *testing.T) {
	m := ModelMetaData{
		ID:          1,
		Name:        "reco",
		OptimKind:   "adam",
		OptimParams: map[string]string{"lr": "0.01", "beta1": "0.9"},
		Tables: map[uint64]TableMetaData{
			0: {ID: 0, Name: "dense0", Dense: true, Elem: tensor.Float32, Shape: tensor.Shape{128, 64}},
			1: {ID: 1, Name: "sparse0", Dense: false, Elem: tensor.Float32, Dimension: 16,
				InitSpec: tensor.InitSpec{Kind: tensor.InitXavierUniform, Params: map[string]string{}}},
		},
	}
	b := NewBuffer(256)
	EncodeModelMetaData(b, m)
	got, err := DecodeModelMetaData(NewReader(b.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID || got.Name != m.Name || got.OptimKind != m.OptimKind {
		t.Fatalf("scalar fields mismatch: %+v", got)
	}
	if !reflect.DeepEqual(got.OptimParams, m.OptimParams) {
		t.Fatalf("optim params mismatch: %+v", got.OptimParams)
	}
	if len(got.Tables) != len(m.Tables) {
		t.Fatalf("table count mismatch: got %d want %d", len(got.Tables), len(m.Tables))
	}
	for id, want := range m.Tables {
		g, ok := got.Tables[id]
		if !ok {
			t.Fatalf("table %d missing", id)
		}
		if g.Name != want.Name || g.Dense != want.Dense {
			t.Fatalf("table %d mismatch: got %+v want %+v", id, g, want)
		}
	}
}

func TestFrameRoundTripOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := NewServer(nil)
	srv.logger = discardLogger()
	srv.Handle(RPCPullDenseTable, func(body []byte) ([]byte, error) {
		out := NewBuffer(len(body))
		out.WriteBytes(body)
		return out.Bytes(), nil
	})
	go srv.Serve(ln)

	c, err := Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := NewBuffer(16)
	payload.WriteString("ping")
	reply, err := c.Call(context.Background(), RPCPullDenseTable, payload.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	echoed, err := NewReader(reply).ReadBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(echoed, payload.Bytes()) {
		t.Fatalf("echoed payload mismatch: got %v want %v", echoed, payload.Bytes())
	}
}
