package mat

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Graph records the forward pass of a computation and the backward closures
// needed to differentiate it.
//
// Create a graph with training=true to record backward closures, run the
// forward pass through its methods, seed the output gradient and call
// [Graph.Backward]. With training=false no closures are recorded and the
// ops behave as plain (cheaper) forward math; dropout becomes the identity.
//
// A Graph is not safe for concurrent use; build one graph per training step.
type Graph struct {
	training bool
	tape     []func()
}

// NewGraph creates a graph. Pass training=true to record backward closures.
func NewGraph(training bool) *Graph {
	return &Graph{training: training}
}

// Training reports whether the graph records gradients.
func (g *Graph) Training() bool { return g.training }

// Backward runs all recorded backward closures in reverse order.
// The caller must first seed the gradient of the output (typically the
// scalar loss: out.DW[0] = 1).
func (g *Graph) Backward() {
	for i := len(g.tape) - 1; i >= 0; i-- {
		g.tape[i]()
	}
}

func (g *Graph) push(f func()) {
	if g.training {
		g.tape = append(g.tape, f)
	}
}

// Add returns a + b element-wise.
func (g *Graph) Add(a, b *Mat) *Mat {
	sameShape("Add", a, b)
	out := New(a.Rows, a.Cols)
	for i := range a.W {
		out.W[i] = a.W[i] + b.W[i]
	}
	g.push(func() {
		for i := range a.W {
			a.DW[i] += out.DW[i]
			b.DW[i] += out.DW[i]
		}
	})
	return out
}

// Scale returns m * s.
func (g *Graph) Scale(m *Mat, s float64) *Mat {
	out := New(m.Rows, m.Cols)
	for i := range m.W {
		out.W[i] = m.W[i] * s
	}
	g.push(func() {
		for i := range m.W {
			m.DW[i] += s * out.DW[i]
		}
	})
	return out
}

// Eltmul returns a ⊙ b element-wise.
func (g *Graph) Eltmul(a, b *Mat) *Mat {
	sameShape("Eltmul", a, b)
	out := New(a.Rows, a.Cols)
	for i := range a.W {
		out.W[i] = a.W[i] * b.W[i]
	}
	g.push(func() {
		for i := range a.W {
			a.DW[i] += b.W[i] * out.DW[i]
			b.DW[i] += a.W[i] * out.DW[i]
		}
	})
	return out
}

// Mul returns the matrix product a·b for a [m×k] and b [k×n].
func (g *Graph) Mul(a, b *Mat) *Mat {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("mat: Mul misaligned %dx%d · %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	m, k, n := a.Rows, a.Cols, b.Cols
	out := New(m, n)
	for i := 0; i < m; i++ {
		for l := 0; l < k; l++ {
			av := a.W[i*k+l]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.W[i*n+j] += av * b.W[l*n+j]
			}
		}
	}
	g.push(func() {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				d := out.DW[i*n+j]
				if d == 0 {
					continue
				}
				for l := 0; l < k; l++ {
					a.DW[i*k+l] += b.W[l*n+j] * d
					b.DW[l*n+j] += a.W[i*k+l] * d
				}
			}
		}
	})
	return out
}

// MulTransposeB returns a·bᵀ for a [m×k] and b [n×k].
// This is the natural shape for similarity matrices: each output entry is
// the dot product of a row of a with a row of b.
func (g *Graph) MulTransposeB(a, b *Mat) *Mat {
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("mat: MulTransposeB misaligned %dx%d · (%dx%d)ᵀ", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	m, k, n := a.Rows, a.Cols, b.Rows
	out := New(m, n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			dot := 0.0
			for l := 0; l < k; l++ {
				dot += a.W[i*k+l] * b.W[j*k+l]
			}
			out.W[i*n+j] = dot
		}
	}
	g.push(func() {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				d := out.DW[i*n+j]
				if d == 0 {
					continue
				}
				for l := 0; l < k; l++ {
					a.DW[i*k+l] += b.W[j*k+l] * d
					b.DW[j*k+l] += a.W[i*k+l] * d
				}
			}
		}
	})
	return out
}

// AddRowBroadcast adds the row vector bias [1×D] to every row of m [T×D].
func (g *Graph) AddRowBroadcast(m, bias *Mat) *Mat {
	if bias.Rows != 1 || bias.Cols != m.Cols {
		panic(fmt.Sprintf("mat: AddRowBroadcast bias %dx%d for input %dx%d", bias.Rows, bias.Cols, m.Rows, m.Cols))
	}
	out := New(m.Rows, m.Cols)
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			out.W[r*m.Cols+c] = m.W[r*m.Cols+c] + bias.W[c]
		}
	}
	g.push(func() {
		for r := 0; r < m.Rows; r++ {
			for c := 0; c < m.Cols; c++ {
				d := out.DW[r*m.Cols+c]
				m.DW[r*m.Cols+c] += d
				bias.DW[c] += d
			}
		}
	})
	return out
}

// ConcatCols concatenates matrices with equal row counts along columns.
func (g *Graph) ConcatCols(ms ...*Mat) *Mat {
	if len(ms) == 0 {
		panic("mat: ConcatCols of nothing")
	}
	rows := ms[0].Rows
	total := 0
	for _, m := range ms {
		if m.Rows != rows {
			panic(fmt.Sprintf("mat: ConcatCols row mismatch %d vs %d", m.Rows, rows))
		}
		total += m.Cols
	}
	out := New(rows, total)
	off := 0
	for _, m := range ms {
		for r := 0; r < rows; r++ {
			copy(out.W[r*total+off:r*total+off+m.Cols], m.W[r*m.Cols:(r+1)*m.Cols])
		}
		off += m.Cols
	}
	g.push(func() {
		off := 0
		for _, m := range ms {
			for r := 0; r < rows; r++ {
				for c := 0; c < m.Cols; c++ {
					m.DW[r*m.Cols+c] += out.DW[r*total+off+c]
				}
			}
			off += m.Cols
		}
	})
	return out
}

// GatherRows selects rows of m by index, in order. Repeated indices are
// allowed; gradients accumulate into the source rows.
func (g *Graph) GatherRows(m *Mat, ids []int) *Mat {
	out := New(len(ids), m.Cols)
	for i, id := range ids {
		if id < 0 || id >= m.Rows {
			panic(fmt.Sprintf("mat: GatherRows index %d out of range for %d rows", id, m.Rows))
		}
		copy(out.W[i*m.Cols:(i+1)*m.Cols], m.W[id*m.Cols:(id+1)*m.Cols])
	}
	g.push(func() {
		for i, id := range ids {
			for c := 0; c < m.Cols; c++ {
				m.DW[id*m.Cols+c] += out.DW[i*m.Cols+c]
			}
		}
	})
	return out
}

// Relu applies max(0, x) element-wise.
func (g *Graph) Relu(m *Mat) *Mat {
	out := New(m.Rows, m.Cols)
	for i, v := range m.W {
		if v > 0 {
			out.W[i] = v
		}
	}
	g.push(func() {
		for i, v := range m.W {
			if v > 0 {
				m.DW[i] += out.DW[i]
			}
		}
	})
	return out
}

// Dropout applies inverted dropout with the given rate. In inference mode
// (training=false) or with rate<=0 it is the identity.
func (g *Graph) Dropout(m *Mat, rate float64, rng *rand.Rand) *Mat {
	if !g.training || rate <= 0 {
		return m
	}
	keep := 1 - rate
	mask := make([]float64, len(m.W))
	out := New(m.Rows, m.Cols)
	for i, v := range m.W {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
			out.W[i] = v * mask[i]
		}
	}
	g.push(func() {
		for i := range m.W {
			m.DW[i] += mask[i] * out.DW[i]
		}
	})
	return out
}

// LayerNorm normalizes each row of m to zero mean and unit variance, then
// applies the learned per-column gain and bias (both 1×D).
func (g *Graph) LayerNorm(m, gain, bias *Mat, eps float64) *Mat {
	d := m.Cols
	if gain.Rows != 1 || gain.Cols != d || bias.Rows != 1 || bias.Cols != d {
		panic(fmt.Sprintf("mat: LayerNorm gain/bias must be 1x%d", d))
	}
	out := New(m.Rows, d)
	norm := New(m.Rows, d) // pre-gain normalized values, kept for backward
	invStd := make([]float64, m.Rows)
	for r := 0; r < m.Rows; r++ {
		mean := 0.0
		for c := 0; c < d; c++ {
			mean += m.W[r*d+c]
		}
		mean /= float64(d)
		variance := 0.0
		for c := 0; c < d; c++ {
			dv := m.W[r*d+c] - mean
			variance += dv * dv
		}
		variance /= float64(d)
		invStd[r] = 1 / math.Sqrt(variance+eps)
		for c := 0; c < d; c++ {
			nv := (m.W[r*d+c] - mean) * invStd[r]
			norm.W[r*d+c] = nv
			out.W[r*d+c] = nv*gain.W[c] + bias.W[c]
		}
	}
	g.push(func() {
		for r := 0; r < m.Rows; r++ {
			// dL/dnorm and the two row-level reductions the chain rule needs.
			sumDN := 0.0
			sumDNN := 0.0
			dn := make([]float64, d)
			for c := 0; c < d; c++ {
				dOut := out.DW[r*d+c]
				gain.DW[c] += dOut * norm.W[r*d+c]
				bias.DW[c] += dOut
				dn[c] = dOut * gain.W[c]
				sumDN += dn[c]
				sumDNN += dn[c] * norm.W[r*d+c]
			}
			for c := 0; c < d; c++ {
				m.DW[r*d+c] += invStd[r] / float64(d) *
					(float64(d)*dn[c] - sumDN - norm.W[r*d+c]*sumDNN)
			}
		}
	})
	return out
}

// SoftmaxRows applies a numerically stable softmax to each row.
// Positions excluded via AttentionMask end up with probability ≈ 0.
func (g *Graph) SoftmaxRows(m *Mat) *Mat {
	out := New(m.Rows, m.Cols)
	for r := 0; r < m.Rows; r++ {
		maxV := math.Inf(-1)
		for c := 0; c < m.Cols; c++ {
			if m.W[r*m.Cols+c] > maxV {
				maxV = m.W[r*m.Cols+c]
			}
		}
		sum := 0.0
		for c := 0; c < m.Cols; c++ {
			e := math.Exp(m.W[r*m.Cols+c] - maxV)
			out.W[r*m.Cols+c] = e
			sum += e
		}
		inv := 1 / sum
		for c := 0; c < m.Cols; c++ {
			out.W[r*m.Cols+c] *= inv
		}
	}
	g.push(func() {
		for r := 0; r < m.Rows; r++ {
			dot := 0.0
			for c := 0; c < m.Cols; c++ {
				dot += out.W[r*m.Cols+c] * out.DW[r*m.Cols+c]
			}
			for c := 0; c < m.Cols; c++ {
				y := out.W[r*m.Cols+c]
				m.DW[r*m.Cols+c] += y * (out.DW[r*m.Cols+c] - dot)
			}
		}
	})
	return out
}

// maskFloor is the additive value used to exclude positions from attention.
const maskFloor = -1e9

// AttentionMask adds maskFloor to every masked position of scores.
// mask[r][c]==false means position (r,c) must not be attended to.
// The mask itself carries no gradient.
func (g *Graph) AttentionMask(scores *Mat, mask func(r, c int) bool) *Mat {
	out := New(scores.Rows, scores.Cols)
	for r := 0; r < scores.Rows; r++ {
		for c := 0; c < scores.Cols; c++ {
			v := scores.W[r*scores.Cols+c]
			if !mask(r, c) {
				v += maskFloor
			}
			out.W[r*scores.Cols+c] = v
		}
	}
	g.push(func() {
		for i := range scores.W {
			scores.DW[i] += out.DW[i]
		}
	})
	return out
}

// NormalizeRows scales every row of m to unit L2 norm. Zero rows are
// passed through unchanged.
func (g *Graph) NormalizeRows(m *Mat) *Mat {
	out := New(m.Rows, m.Cols)
	invNorm := make([]float64, m.Rows)
	for r := 0; r < m.Rows; r++ {
		sum := 0.0
		for c := 0; c < m.Cols; c++ {
			v := m.W[r*m.Cols+c]
			sum += v * v
		}
		if sum == 0 {
			invNorm[r] = 0
			continue
		}
		invNorm[r] = 1 / math.Sqrt(sum)
		for c := 0; c < m.Cols; c++ {
			out.W[r*m.Cols+c] = m.W[r*m.Cols+c] * invNorm[r]
		}
	}
	g.push(func() {
		for r := 0; r < m.Rows; r++ {
			if invNorm[r] == 0 {
				continue
			}
			dot := 0.0
			for c := 0; c < m.Cols; c++ {
				dot += out.W[r*m.Cols+c] * out.DW[r*m.Cols+c]
			}
			for c := 0; c < m.Cols; c++ {
				m.DW[r*m.Cols+c] += invNorm[r] * (out.DW[r*m.Cols+c] - out.W[r*m.Cols+c]*dot)
			}
		}
	})
	return out
}

// CrossEntropyRows computes the softmax cross-entropy of each row of logits
// against the target class index for that row, weighted per row, and returns
// the weighted sum as a 1×1 scalar. A weight of zero removes the row from
// both the loss and the gradient (used for padded timesteps).
func (g *Graph) CrossEntropyRows(logits *Mat, targets []int, weights []float64) *Mat {
	if len(targets) != logits.Rows || len(weights) != logits.Rows {
		panic("mat: CrossEntropyRows targets/weights must match row count")
	}
	n := logits.Cols
	probs := make([]float64, logits.Rows*n)
	out := New(1, 1)
	for r := 0; r < logits.Rows; r++ {
		if weights[r] == 0 {
			continue
		}
		t := targets[r]
		if t < 0 || t >= n {
			panic(fmt.Sprintf("mat: CrossEntropyRows target %d out of range", t))
		}
		maxV := math.Inf(-1)
		for c := 0; c < n; c++ {
			if logits.W[r*n+c] > maxV {
				maxV = logits.W[r*n+c]
			}
		}
		sum := 0.0
		for c := 0; c < n; c++ {
			e := math.Exp(logits.W[r*n+c] - maxV)
			probs[r*n+c] = e
			sum += e
		}
		inv := 1 / sum
		for c := 0; c < n; c++ {
			probs[r*n+c] *= inv
		}
		out.W[0] += -weights[r] * math.Log(probs[r*n+t]+1e-12)
	}
	g.push(func() {
		d := out.DW[0]
		for r := 0; r < logits.Rows; r++ {
			if weights[r] == 0 {
				continue
			}
			t := targets[r]
			for c := 0; c < n; c++ {
				grad := probs[r*n+c]
				if c == t {
					grad -= 1
				}
				logits.DW[r*n+c] += d * weights[r] * grad
			}
		}
	})
	return out
}

// MaxPerRow reduces each row to its maximum, producing a T×1 column.
// Gradients flow to the (first) argmax of each row.
func (g *Graph) MaxPerRow(m *Mat) *Mat {
	out := New(m.Rows, 1)
	arg := make([]int, m.Rows)
	for r := 0; r < m.Rows; r++ {
		best := math.Inf(-1)
		for c := 0; c < m.Cols; c++ {
			if m.W[r*m.Cols+c] > best {
				best = m.W[r*m.Cols+c]
				arg[r] = c
			}
		}
		out.W[r] = best
	}
	g.push(func() {
		for r := 0; r < m.Rows; r++ {
			m.DW[r*m.Cols+arg[r]] += out.DW[r]
		}
	})
	return out
}

// HingeAbove returns max(0, m - limit) element-wise.
func (g *Graph) HingeAbove(m *Mat, limit float64) *Mat {
	out := New(m.Rows, m.Cols)
	for i, v := range m.W {
		if v > limit {
			out.W[i] = v - limit
		}
	}
	g.push(func() {
		for i, v := range m.W {
			if v > limit {
				m.DW[i] += out.DW[i]
			}
		}
	})
	return out
}

// HingeBelow returns max(0, limit - m) element-wise.
func (g *Graph) HingeBelow(m *Mat, limit float64) *Mat {
	out := New(m.Rows, m.Cols)
	for i, v := range m.W {
		if v < limit {
			out.W[i] = limit - v
		}
	}
	g.push(func() {
		for i, v := range m.W {
			if v < limit {
				m.DW[i] -= out.DW[i]
			}
		}
	})
	return out
}

// WeightedSum reduces m to a 1×1 scalar: Σᵣ wᵣ · Σ_c m[r,c].
// Rows with weight zero contribute nothing to value or gradient.
func (g *Graph) WeightedSum(m *Mat, weights []float64) *Mat {
	if len(weights) != m.Rows {
		panic("mat: WeightedSum weights must match row count")
	}
	out := New(1, 1)
	for r := 0; r < m.Rows; r++ {
		if weights[r] == 0 {
			continue
		}
		sum := 0.0
		for c := 0; c < m.Cols; c++ {
			sum += m.W[r*m.Cols+c]
		}
		out.W[0] += weights[r] * sum
	}
	g.push(func() {
		d := out.DW[0]
		for r := 0; r < m.Rows; r++ {
			if weights[r] == 0 {
				continue
			}
			for c := 0; c < m.Cols; c++ {
				m.DW[r*m.Cols+c] += d * weights[r]
			}
		}
	})
	return out
}

// AddScalars sums 1×1 scalar matrices into one scalar.
func (g *Graph) AddScalars(ms ...*Mat) *Mat {
	out := New(1, 1)
	for _, m := range ms {
		if m.Rows != 1 || m.Cols != 1 {
			panic("mat: AddScalars wants 1x1 inputs")
		}
		out.W[0] += m.W[0]
	}
	g.push(func() {
		for _, m := range ms {
			m.DW[0] += out.DW[0]
		}
	})
	return out
}
