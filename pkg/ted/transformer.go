package ted

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/dialogkit/ted/pkg/mat"
)

// transformerLayer is a single self-attention block: multi-head attention,
// residual plus layer norm, then a position-wise feed-forward network with
// its own residual and norm. Relative position embeddings are shared across
// heads within a layer.
type transformerLayer struct {
	wq, wk, wv []*mat.Mat // one [units, headDim] kernel per head
	wo         *mat.Mat   // [units, units]
	ln1g, ln1b *mat.Mat
	ln2g, ln2b *mat.Mat
	ff1, ff2   *denseLayer
	relK, relV *mat.Mat // [(2R+1), headDim], nil when disabled
	prefix     string
}

type transformer struct {
	cfg    *Config
	in     *denseLayer // fused encodings -> TransformerSize
	layers []*transformerLayer
}

func newTransformer(inputDim int, cfg *Config, rng *rand.Rand) *transformer {
	tr := &transformer{
		cfg: cfg,
		in:  newDense("transformer.in", inputDim, cfg.TransformerSize, actNone, cfg.DropRate, 0, rng),
	}
	units := cfg.TransformerSize
	headDim := units / cfg.NumHeads
	relRows := 2*cfg.MaxRelativePosition + 1
	for i := 0; i < cfg.NumTransformerLayers; i++ {
		l := &transformerLayer{
			wo:     mat.NewXavier(units, units, rng),
			ln1g:   onesMat(1, units),
			ln1b:   mat.New(1, units),
			ln2g:   onesMat(1, units),
			ln2b:   mat.New(1, units),
			prefix: fmt.Sprintf("transformer.%d", i),
		}
		l.ff1 = newDense(l.prefix+".ff1", units, 4*units, actRelu, cfg.DropRate, 0, rng)
		l.ff2 = newDense(l.prefix+".ff2", 4*units, units, actNone, cfg.DropRate, 0, rng)
		for h := 0; h < cfg.NumHeads; h++ {
			l.wq = append(l.wq, mat.NewXavier(units, headDim, rng))
			l.wk = append(l.wk, mat.NewXavier(units, headDim, rng))
			l.wv = append(l.wv, mat.NewXavier(units, headDim, rng))
		}
		if cfg.KeyRelativeAttention {
			l.relK = mat.NewGaussian(relRows, headDim, 0, 0.02, rng)
		}
		if cfg.ValueRelativeAttention {
			l.relV = mat.NewGaussian(relRows, headDim, 0, 0.02, rng)
		}
		tr.layers = append(tr.layers, l)
	}
	return tr
}

func onesMat(rows, cols int) *mat.Mat {
	m := mat.New(rows, cols)
	for i := range m.W {
		m.W[i] = 1
	}
	return m
}

// forward encodes a [T, inputDim] sequence into [T, TransformerSize].
// Positions at index length and beyond are padding: no real position
// attends to them, but their output rows are still produced and must be
// ignored by the caller.
func (tr *transformer) forward(g *mat.Graph, x *mat.Mat, length int, rng *rand.Rand) *mat.Mat {
	cfg := tr.cfg
	h := tr.in.forward(g, x, rng)
	attend := func(q, k int) bool {
		if k >= length {
			return false
		}
		return !cfg.UnidirectionalEncoder || k <= q
	}
	headDim := cfg.TransformerSize / cfg.NumHeads
	scale := 1 / math.Sqrt(float64(headDim))
	for _, l := range tr.layers {
		heads := make([]*mat.Mat, cfg.NumHeads)
		for i := 0; i < cfg.NumHeads; i++ {
			q := g.Mul(h, l.wq[i])
			k := g.Mul(h, l.wk[i])
			v := g.Mul(h, l.wv[i])
			scores := g.MulTransposeB(q, k)
			if l.relK != nil {
				scores = g.Add(scores, g.RelativeKeyScores(q, l.relK, cfg.MaxRelativePosition))
			}
			scores = g.Scale(scores, scale)
			attn := g.SoftmaxRows(g.AttentionMask(scores, attend))
			if cfg.DropRateAttention > 0 {
				attn = g.Dropout(attn, cfg.DropRateAttention, rng)
			}
			ctx := g.Mul(attn, v)
			if l.relV != nil {
				ctx = g.Add(ctx, g.RelativeValueCombine(attn, l.relV, cfg.MaxRelativePosition))
			}
			heads[i] = ctx
		}
		var merged *mat.Mat
		if len(heads) == 1 {
			merged = heads[0]
		} else {
			merged = g.ConcatCols(heads...)
		}
		attnOut := g.Mul(merged, l.wo)
		if cfg.DropRate > 0 {
			attnOut = g.Dropout(attnOut, cfg.DropRate, rng)
		}
		h = g.LayerNorm(g.Add(h, attnOut), l.ln1g, l.ln1b, 1e-6)
		ffOut := l.ff2.forward(g, l.ff1.forward(g, h, rng), rng)
		h = g.LayerNorm(g.Add(h, ffOut), l.ln2g, l.ln2b, 1e-6)
	}
	return h
}

func (tr *transformer) params() []mat.Param {
	ps := tr.in.params()
	for _, l := range tr.layers {
		for i := range l.wq {
			ps = append(ps,
				mat.Param{Name: fmt.Sprintf("%s.wq.%d", l.prefix, i), M: l.wq[i]},
				mat.Param{Name: fmt.Sprintf("%s.wk.%d", l.prefix, i), M: l.wk[i]},
				mat.Param{Name: fmt.Sprintf("%s.wv.%d", l.prefix, i), M: l.wv[i]},
			)
		}
		ps = append(ps,
			mat.Param{Name: l.prefix + ".wo", M: l.wo},
			mat.Param{Name: l.prefix + ".ln1g", M: l.ln1g},
			mat.Param{Name: l.prefix + ".ln1b", M: l.ln1b},
			mat.Param{Name: l.prefix + ".ln2g", M: l.ln2g},
			mat.Param{Name: l.prefix + ".ln2b", M: l.ln2b},
		)
		ps = append(ps, l.ff1.params()...)
		ps = append(ps, l.ff2.params()...)
		if l.relK != nil {
			ps = append(ps, mat.Param{Name: l.prefix + ".relk", M: l.relK})
		}
		if l.relV != nil {
			ps = append(ps, mat.Param{Name: l.prefix + ".relv", M: l.relV})
		}
	}
	return ps
}
