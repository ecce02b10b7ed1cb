package ted

import (
	"fmt"
	"math/rand/v2"

	"github.com/dialogkit/ted/pkg/mat"
	"github.com/dialogkit/ted/pkg/modeldata"
)

type activation int

const (
	actNone activation = iota
	actRelu
)

// denseLayer is a fully connected layer with optional activation, dropout
// and a fixed sparsity mask over its kernel. The mask is drawn once at
// construction; masked weights stay zero for the lifetime of the layer
// because the gradient is cut at the mask.
type denseLayer struct {
	name     string
	w, b     *mat.Mat
	mask     *mat.Mat
	act      activation
	dropRate float64
}

func newDense(name string, in, out int, act activation, dropRate, sparsity float64, rng *rand.Rand) *denseLayer {
	l := &denseLayer{
		name:     name,
		w:        mat.NewXavier(in, out, rng),
		b:        mat.New(1, out),
		act:      act,
		dropRate: dropRate,
	}
	if sparsity > 0 {
		l.mask = mat.New(in, out)
		for i := range l.mask.W {
			if rng.Float64() >= sparsity {
				l.mask.W[i] = 1
			}
		}
		// Every output unit keeps at least one live input, otherwise a
		// column could be dead from the start.
		for c := 0; c < out; c++ {
			alive := false
			for r := 0; r < in; r++ {
				if l.mask.At(r, c) != 0 {
					alive = true
					break
				}
			}
			if !alive {
				l.mask.Set(rng.IntN(in), c, 1)
			}
		}
	}
	return l
}

func (l *denseLayer) forward(g *mat.Graph, x *mat.Mat, rng *rand.Rand) *mat.Mat {
	w := l.w
	if l.mask != nil {
		w = g.Eltmul(l.w, l.mask)
	}
	out := g.AddRowBroadcast(g.Mul(x, w), l.b)
	if l.act == actRelu {
		out = g.Relu(out)
	}
	if l.dropRate > 0 {
		out = g.Dropout(out, l.dropRate, rng)
	}
	return out
}

func (l *denseLayer) params() []mat.Param {
	return []mat.Param{
		{Name: l.name + ".w", M: l.w},
		{Name: l.name + ".b", M: l.b},
	}
}

// attrEncoder turns the raw features of one attribute into a fixed-size
// encoding. Sparse attributes are first projected to DenseDimension by a
// linear layer with a sparse kernel; dense attributes feed the encoder
// directly.
type attrEncoder struct {
	proj *denseLayer
	enc  *denseLayer
}

func newAttrEncoder(name string, spec modeldata.Spec, cfg *Config, dropRate float64, rng *rand.Rand) *attrEncoder {
	e := &attrEncoder{}
	in := spec.Dim
	if spec.Sparse {
		e.proj = newDense(name+".proj", spec.Dim, cfg.DenseDimension, actNone, 0, cfg.WeightSparsity, rng)
		in = cfg.DenseDimension
	}
	e.enc = newDense(name+".enc", in, cfg.EncodingDimension, actRelu, dropRate, 0, rng)
	return e
}

func (e *attrEncoder) forward(g *mat.Graph, x *mat.Mat, rng *rand.Rand) *mat.Mat {
	if e.proj != nil {
		x = e.proj.forward(g, x, rng)
	}
	return e.enc.forward(g, x, rng)
}

func (e *attrEncoder) params() []mat.Param {
	var ps []mat.Param
	if e.proj != nil {
		ps = append(ps, e.proj.params()...)
	}
	return append(ps, e.enc.params()...)
}

// fuseAttrs runs every attribute of in through its encoder and concatenates
// the encodings column-wise, in the sorted attribute order of encs as given
// by names. All inputs must have the same row count.
func fuseAttrs(g *mat.Graph, names []string, encs map[string]*attrEncoder,
	in map[string]*mat.Mat, rng *rand.Rand) *mat.Mat {
	parts := make([]*mat.Mat, 0, len(names))
	for _, name := range names {
		x, ok := in[name]
		if !ok {
			panic(fmt.Sprintf("ted: missing input for attribute %q", name))
		}
		parts = append(parts, encs[name].forward(g, x, rng))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return g.ConcatCols(parts...)
}
