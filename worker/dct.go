package worker

import (
	"math"
	"sort"
	"sync"

	"github.com/kraken-ps/kraken/tensor"
)

// tableCompressor implements spec.md §9's optional DCT-style gradient
// compression for one dense table: push gradients are row-sparsified into a
// COO tensor and the dropped residual is carried forward in error_grad so
// it eventually gets sent once it accumulates enough magnitude
// (original_source's worker/dct_worker.{h,cc}).
type tableCompressor struct {
	mu sync.Mutex

	eta      float64 // fraction of rows dropped each step, in (0, 1)
	lifeSpan int     // steps between tau recomputation

	stepCount int
	tau       float64
	errorGrad []float64
	shape     tensor.Shape
	elem      tensor.ElementType
}

func newTableCompressor(eta float64, lifeSpan int) *tableCompressor {
	if lifeSpan < 1 {
		lifeSpan = 1
	}
	return &tableCompressor{eta: eta, lifeSpan: lifeSpan}
}

// rowWidthOf returns the number of scalars per row-0 slice of shape, the
// same convention tensor.COO's rowWidth uses.
func rowWidthOf(shape tensor.Shape) int64 {
	w := int64(1)
	for _, d := range shape[1:] {
		w *= d
	}
	if w == 0 {
		w = 1
	}
	return w
}

// step folds grad into the running error-feedback state and returns the
// sparsified COO gradient to actually send. Every life_span calls it
// recomputes tau as the row-score value marking the top (1−η) fraction of
// rows (spec.md §9); between recomputations it reuses the last tau so the
// selection stays stable within a window.
func (c *tableCompressor) step(grad *tensor.Dense) *tensor.COO {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorGrad == nil {
		c.errorGrad = make([]float64, len(grad.Data))
		c.shape = grad.Shape.Clone()
		c.elem = grad.Elem
	}

	corrected := make([]float64, len(grad.Data))
	for i, v := range grad.Data {
		corrected[i] = v + c.errorGrad[i]
	}

	rowWidth := rowWidthOf(c.shape)
	numRows := int64(len(corrected)) / rowWidth
	rowScore := make([]float64, numRows)
	for r := int64(0); r < numRows; r++ {
		var m float64
		for j := int64(0); j < rowWidth; j++ {
			if v := math.Abs(corrected[r*rowWidth+j]); v > m {
				m = v
			}
		}
		rowScore[r] = m
	}

	if c.stepCount%c.lifeSpan == 0 {
		c.tau = rowThreshold(rowScore, c.eta)
	}
	c.stepCount++

	var idx []int64
	var vals []float64
	for r := int64(0); r < numRows; r++ {
		base := r * rowWidth
		if rowScore[r] >= c.tau {
			idx = append(idx, r)
			for j := int64(0); j < rowWidth; j++ {
				vals = append(vals, corrected[base+j])
				c.errorGrad[base+j] = 0
			}
		} else {
			for j := int64(0); j < rowWidth; j++ {
				c.errorGrad[base+j] = corrected[base+j]
			}
		}
	}
	return &tensor.COO{Shape: c.shape, Elem: c.elem, Indices: idx, Values: vals}
}

// rowThreshold returns the score value such that keeping every row whose
// score is >= it retains the top (1−eta) fraction of rows, i.e. drops
// roughly eta of them.
func rowThreshold(scores []float64, eta float64) float64 {
	n := len(scores)
	if n == 0 {
		return 0
	}
	keep := int(math.Round((1 - eta) * float64(n)))
	if keep < 1 {
		keep = 1
	}
	if keep >= n {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return sorted[keep-1]
}

// EnableDCT turns on gradient compression for tableID with the given drop
// fraction eta and tau-recomputation cadence lifeSpan. Subsequent
// PushDense/PushPullDense calls for this table send a sparsified COO
// gradient instead of the full dense one.
func (w *Worker) EnableDCT(tableID uint64, eta float64, lifeSpan int) {
	w.dctMu.Lock()
	defer w.dctMu.Unlock()
	w.dct[tableID] = newTableCompressor(eta, lifeSpan)
}

// DisableDCT reverts tableID to sending full dense gradients.
func (w *Worker) DisableDCT(tableID uint64) {
	w.dctMu.Lock()
	defer w.dctMu.Unlock()
	delete(w.dct, tableID)
}
