package ted

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/dialogkit/ted/pkg/mat"
)

// lossLayer scores dialogue embeddings against label embeddings and turns
// the result into a training loss or prediction confidences. The margin
// variant follows the StarSpace formulation; the softmax variant treats the
// positive plus sampled negatives as a classification over similarities.
type lossLayer struct {
	cfg *Config
	sim SimilarityType
}

func newLossLayer(cfg *Config) *lossLayer {
	return &lossLayer{cfg: cfg, sim: cfg.ResolvedSimilarity()}
}

// sims computes the pairwise similarity of every row of a against every row
// of b, producing [aRows, bRows]. Cosine similarity normalizes both sides
// first.
func (ll *lossLayer) sims(g *mat.Graph, a, b *mat.Mat) *mat.Mat {
	if ll.sim == SimilarityCosine {
		a = g.NormalizeRows(a)
		b = g.NormalizeRows(b)
	}
	return g.MulTransposeB(a, b)
}

func rowSums(g *mat.Graph, m *mat.Mat) *mat.Mat {
	ones := onesMat(m.Cols, 1)
	return g.Mul(m, ones)
}

// sampleNegatives draws a shared pool of negative label ids for one
// example. Collisions with a timestep's positive label are handled later by
// masking, not by resampling.
func (ll *lossLayer) sampleNegatives(numLabels int, rng *rand.Rand) []int {
	k := ll.cfg.NumNeg
	if k > numLabels-1 {
		k = numLabels - 1
	}
	if k <= 0 {
		return nil
	}
	ids := make([]int, k)
	for i := range ids {
		ids[i] = rng.IntN(numLabels)
	}
	return ids
}

// trainingLoss returns the scalar loss for one example.
//
// dialogue is [T, E], posIDs the positive label id per timestep, allLabels
// the [N, E] embedding of every candidate label. padMask carries 1 for real
// timesteps and 0 for padding; padded rows contribute nothing.
func (ll *lossLayer) trainingLoss(g *mat.Graph, dialogue *mat.Mat, posIDs []int,
	allLabels *mat.Mat, padMask []float64, rng *rand.Rand) *mat.Mat {

	posEmb := g.GatherRows(allLabels, posIDs)
	posCol := rowSums(g, g.Eltmul(normalized(g, ll.sim, dialogue), normalized(g, ll.sim, posEmb)))

	negIDs := ll.sampleNegatives(allLabels.Rows, rng)
	var negSims, posNegSims *mat.Mat
	if len(negIDs) > 0 {
		negEmb := g.GatherRows(allLabels, negIDs)
		valid := func(t, k int) bool { return negIDs[k] != posIDs[t] }
		negSims = g.AttentionMask(ll.sims(g, dialogue, negEmb), valid)
		posNegSims = g.AttentionMask(ll.sims(g, posEmb, negEmb), valid)
	}

	if ll.cfg.LossType == LossMargin {
		return ll.marginLoss(g, posCol, negSims, posNegSims, padMask)
	}
	return ll.softmaxLoss(g, posCol, negSims, padMask)
}

func normalized(g *mat.Graph, sim SimilarityType, m *mat.Mat) *mat.Mat {
	if sim == SimilarityCosine {
		return g.NormalizeRows(m)
	}
	return m
}

func (ll *lossLayer) softmaxLoss(g *mat.Graph, posCol, negSims *mat.Mat, padMask []float64) *mat.Mat {
	logits := posCol
	if negSims != nil {
		logits = g.ConcatCols(posCol, negSims)
	}
	targets := make([]int, logits.Rows)
	weights := make([]float64, logits.Rows)
	total := 0.0
	for r := range weights {
		weights[r] = padMask[r]
		if ll.cfg.ScaleLoss && padMask[r] != 0 {
			// Down-weight timesteps the model already gets right. The
			// scaling factor is a constant for the gradient.
			weights[r] *= math.Pow(1-softmaxAt(logits.Row(r), 0), 4)
		}
		total += padMask[r]
	}
	loss := g.CrossEntropyRows(logits, targets, weights)
	if total > 0 {
		loss = g.Scale(loss, 1/total)
	}
	return loss
}

func softmaxAt(row []float64, idx int) float64 {
	maxV := math.Inf(-1)
	for _, v := range row {
		if v > maxV {
			maxV = v
		}
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - maxV)
	}
	return math.Exp(row[idx]-maxV) / sum
}

func (ll *lossLayer) marginLoss(g *mat.Graph, posCol, negSims, posNegSims *mat.Mat,
	padMask []float64) *mat.Mat {

	// Positive similarity below MaxPosSim is penalized linearly.
	perRow := g.HingeBelow(posCol, ll.cfg.MaxPosSim)
	if negSims != nil {
		var negTerm *mat.Mat
		if ll.cfg.UseMaxNegSim {
			negTerm = g.HingeAbove(g.MaxPerRow(negSims), ll.cfg.MaxNegSim)
		} else {
			negTerm = rowSums(g, g.HingeAbove(negSims, ll.cfg.MaxNegSim))
		}
		perRow = g.Add(perRow, negTerm)
		// Keep negative label embeddings away from the positive one too.
		labelTerm := g.HingeAbove(g.MaxPerRow(posNegSims), ll.cfg.MaxNegSim)
		perRow = g.Add(perRow, g.Scale(labelTerm, ll.cfg.NegativeMarginScale))
	}
	total := 0.0
	for _, w := range padMask {
		total += w
	}
	loss := g.WeightedSum(perRow, padMask)
	if total > 0 {
		loss = g.Scale(loss, 1/total)
	}
	return loss
}

// confidences converts one timestep's similarity row over all labels into
// prediction confidences. For softmax loss the row is softmax-normalized
// and, when RankingLength is set, truncated to the top-k entries which are
// then renormalized so the kept mass sums to one. For margin loss the
// cosine similarities are used directly, with negatives clipped to zero.
func (ll *lossLayer) confidences(sims []float64) []float64 {
	out := make([]float64, len(sims))
	if ll.cfg.LossType == LossMargin {
		for i, v := range sims {
			out[i] = math.Max(0, v)
		}
		return out
	}
	maxV := math.Inf(-1)
	for _, v := range sims {
		if v > maxV {
			maxV = v
		}
	}
	sum := 0.0
	for i, v := range sims {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	k := ll.cfg.RankingLength
	if k <= 0 || k >= len(out) {
		return out
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return out[idx[a]] > out[idx[b]] })
	kept := 0.0
	for _, i := range idx[:k] {
		kept += out[i]
	}
	for _, i := range idx[k:] {
		out[i] = 0
	}
	if kept > 0 {
		for _, i := range idx[:k] {
			out[i] /= kept
		}
	}
	return out
}
