package ted

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/dialogkit/ted/pkg/mat"
	"github.com/dialogkit/ted/pkg/modeldata"
)

// Feature group and sub-key names used in the model data containers.
const (
	GroupDialogue = "dialogue"
	GroupLabel    = "label"
	SubIDs        = "ids"
)

// LabelIDsKey addresses the numeric label id feature within a container.
func LabelIDsKey() modeldata.Key {
	return modeldata.Key{Group: GroupLabel, Sub: SubIDs}
}

// Model is the dual encoder: per-attribute feed-forward encoders feeding a
// causal transformer on the dialogue side, per-attribute encoders plus a
// linear embedding on the label side, and a shared similarity space on top.
//
// The label table is fixed at construction. Row i of the table must carry
// label id i; Predict and the loss rely on that ordering.
type Model struct {
	cfg Config

	dataSig  modeldata.Signature
	labelSig modeldata.Signature

	dialogueAttrs []string
	labelAttrs    []string
	dialogueEncs  map[string]*attrEncoder
	labelEncs     map[string]*attrEncoder

	tr            *transformer
	embedDialogue *denseLayer
	embedLabel    *denseLayer
	loss          *lossLayer

	labelData *modeldata.ModelData
	rng       *rand.Rand
	solver    *mat.Adam

	// cachedLabelEmb amortizes the label-side forward pass across
	// predictions. Any weight update drops it.
	cachedLabelEmb *mat.Mat
}

// Prediction holds per-example, per-timestep scores over all labels,
// trimmed to each example's true length.
type Prediction struct {
	Similarities [][][]float64
	Confidences  [][][]float64
}

// NewModel builds a model for the given training data signature and label
// table. dataSig must contain at least one dialogue attribute and the label
// id key; labelData must hold one single-timestep example per label, in
// label id order.
func NewModel(cfg Config, dataSig modeldata.Signature, labelData *modeldata.ModelData) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, ok := dataSig[LabelIDsKey()]; !ok {
		return nil, fmt.Errorf("ted: training data signature misses %v", LabelIDsKey())
	}
	ids := labelData.Get(LabelIDsKey())
	if ids == nil {
		return nil, fmt.Errorf("ted: label data misses %v", LabelIDsKey())
	}
	for i, ex := range ids.Examples {
		if len(ex) != 1 || int(ex[0][0]) != i {
			return nil, fmt.Errorf("ted: label data row %d is not label id %d", i, i)
		}
	}

	seed := uint64(cfg.RandomSeed)
	m := &Model{
		cfg:          cfg,
		dataSig:      dataSig,
		labelSig:     labelData.Signature(),
		dialogueEncs: map[string]*attrEncoder{},
		labelEncs:    map[string]*attrEncoder{},
		loss:         newLossLayer(&cfg),
		labelData:    labelData,
		rng:          rand.New(rand.NewPCG(seed, seed+1)),
		solver:       mat.NewAdam(cfg.LearningRate),
	}

	for key, spec := range dataSig {
		if key.Group != GroupDialogue {
			continue
		}
		m.dialogueAttrs = append(m.dialogueAttrs, key.Sub)
		m.dialogueEncs[key.Sub] = newAttrEncoder("dialogue."+key.Sub, spec, &m.cfg, cfg.DropRateDialogue, m.rng)
	}
	sort.Strings(m.dialogueAttrs)
	if len(m.dialogueAttrs) == 0 {
		return nil, fmt.Errorf("ted: training data signature has no dialogue attributes")
	}
	for key, spec := range m.labelSig {
		if key.Group != GroupLabel || key.Sub == SubIDs {
			continue
		}
		m.labelAttrs = append(m.labelAttrs, key.Sub)
		m.labelEncs[key.Sub] = newAttrEncoder("label."+key.Sub, spec, &m.cfg, cfg.DropRateLabel, m.rng)
	}
	sort.Strings(m.labelAttrs)
	if len(m.labelAttrs) == 0 {
		return nil, fmt.Errorf("ted: label data has no label attributes")
	}

	// The dialogue attributes re-appear ordered in sorted key order when
	// fused, so the transformer input width is fixed here.
	m.tr = newTransformer(len(m.dialogueAttrs)*cfg.EncodingDimension, &m.cfg, m.rng)
	m.embedDialogue = newDense("embed.dialogue", cfg.TransformerSize, cfg.EmbeddingDimension, actNone, 0, 0, m.rng)
	m.embedLabel = newDense("embed.label", len(m.labelAttrs)*cfg.EncodingDimension, cfg.EmbeddingDimension, actNone, 0, 0, m.rng)
	return m, nil
}

// NumLabels reports the size of the label table.
func (m *Model) NumLabels() int { return m.labelData.NumExamples() }

// Config returns the hyperparameters the model was built with.
func (m *Model) Config() Config { return m.cfg }

// DataSignature returns the training data signature the model expects.
func (m *Model) DataSignature() modeldata.Signature { return m.dataSig }

// CheckSignature verifies that sig is feature-compatible with the model.
// A mismatch means the featurization pipeline changed since training and
// any prediction would be garbage.
func (m *Model) CheckSignature(sig modeldata.Signature) error {
	if diff := m.dataSig.Diff(sig); diff != "" {
		return fmt.Errorf("ted: data signature mismatch: %s", diff)
	}
	return nil
}

// PredictSignature is the dialogue-side subset of the training signature.
// Prediction batches carry no label features, so only this subset is
// checked at inference time.
func (m *Model) PredictSignature() modeldata.Signature {
	return dialogueOnly(m.dataSig)
}

func dialogueOnly(sig modeldata.Signature) modeldata.Signature {
	out := modeldata.Signature{}
	for k, v := range sig {
		if k.Group == GroupDialogue {
			out[k] = v
		}
	}
	return out
}

func (m *Model) params() []mat.Param {
	var ps []mat.Param
	for _, a := range m.dialogueAttrs {
		ps = append(ps, m.dialogueEncs[a].params()...)
	}
	for _, a := range m.labelAttrs {
		ps = append(ps, m.labelEncs[a].params()...)
	}
	ps = append(ps, m.tr.params()...)
	ps = append(ps, m.embedDialogue.params()...)
	ps = append(ps, m.embedLabel.params()...)
	return ps
}

// Weights exports every parameter by name.
func (m *Model) Weights() map[string][]float64 {
	out := make(map[string][]float64)
	for _, p := range m.params() {
		w := make([]float64, len(p.M.W))
		copy(w, p.M.W)
		out[p.Name] = w
	}
	return out
}

// SetWeights overwrites every parameter from an export produced by a model
// of identical architecture. Missing or misshapen entries fail the whole
// load; nothing is partially applied.
func (m *Model) SetWeights(weights map[string][]float64) error {
	params := m.params()
	for _, p := range params {
		w, ok := weights[p.Name]
		if !ok {
			return fmt.Errorf("ted: weights miss parameter %q", p.Name)
		}
		if len(w) != len(p.M.W) {
			return fmt.Errorf("ted: parameter %q has %d values, want %d", p.Name, len(w), len(p.M.W))
		}
	}
	for _, p := range params {
		copy(p.M.W, weights[p.Name])
		p.M.ZeroGrad()
	}
	m.cachedLabelEmb = nil
	return nil
}

// labelEmbeddings runs the label table through the label-side encoder. The
// result is [numLabels, EmbeddingDimension] with row i holding label id i.
func (m *Model) labelEmbeddings(g *mat.Graph) *mat.Mat {
	in := make(map[string]*mat.Mat, len(m.labelAttrs))
	for _, attr := range m.labelAttrs {
		arr := m.labelData.Get(modeldata.Key{Group: GroupLabel, Sub: attr})
		rows := make([][]float64, len(arr.Examples))
		for i, ex := range arr.Examples {
			rows[i] = ex[0]
		}
		in[attr] = mat.FromRows(rows)
	}
	fused := fuseAttrs(g, m.labelAttrs, m.labelEncs, in, m.rng)
	return m.embedLabel.forward(g, fused, m.rng)
}

func (m *Model) predictLabelEmbeddings() *mat.Mat {
	if m.cachedLabelEmb == nil {
		m.cachedLabelEmb = m.labelEmbeddings(mat.NewGraph(false))
	}
	return m.cachedLabelEmb
}

// encodeDialogue embeds one example's padded timestep sequence. The
// returned matrix has MaxLen rows; rows at length and beyond are padding.
func (m *Model) encodeDialogue(g *mat.Graph, batch *modeldata.Batch, i int) *mat.Mat {
	in := make(map[string]*mat.Mat, len(m.dialogueAttrs))
	for _, attr := range m.dialogueAttrs {
		in[attr] = mat.FromRows(batch.Data[modeldata.Key{Group: GroupDialogue, Sub: attr}][i])
	}
	fused := fuseAttrs(g, m.dialogueAttrs, m.dialogueEncs, in, m.rng)
	enc := m.tr.forward(g, fused, batch.Lengths[i], m.rng)
	return m.embedDialogue.forward(g, enc, m.rng)
}

func (m *Model) batchLabelIDs(batch *modeldata.Batch, i int) ([]int, []float64) {
	rows := batch.Data[LabelIDsKey()][i]
	ids := make([]int, len(rows))
	mask := make([]float64, len(rows))
	for t, row := range rows {
		ids[t] = int(row[0])
		if t < batch.Lengths[i] {
			mask[t] = 1
		}
	}
	return ids, mask
}

// trainBatch runs one optimizer step and returns the batch loss.
func (m *Model) trainBatch(batch *modeldata.Batch) float64 {
	g := mat.NewGraph(true)
	labelEmb := m.labelEmbeddings(g)
	losses := make([]*mat.Mat, 0, batch.Size)
	for i := 0; i < batch.Size; i++ {
		emb := m.encodeDialogue(g, batch, i)
		ids, mask := m.batchLabelIDs(batch, i)
		losses = append(losses, m.loss.trainingLoss(g, emb, ids, labelEmb, mask, m.rng))
	}
	total := g.Scale(g.AddScalars(losses...), 1/float64(len(losses)))
	if m.cfg.RegularizationConstant > 0 {
		total = g.Add(total, m.regLoss(g))
	}
	total.DW[0] = 1
	g.Backward()
	m.solver.Step(m.params())
	m.cachedLabelEmb = nil
	return total.W[0]
}

// regLoss is the L2 penalty over all kernels. Biases and norm parameters
// are left unregularized.
func (m *Model) regLoss(g *mat.Graph) *mat.Mat {
	var terms []*mat.Mat
	for _, p := range m.params() {
		n := len(p.Name)
		if n >= 2 && p.Name[n-2:] == ".b" {
			continue
		}
		if idx := lastDot(p.Name); idx >= 0 {
			switch p.Name[idx+1:] {
			case "ln1g", "ln1b", "ln2g", "ln2b":
				continue
			}
		}
		sq := g.Eltmul(p.M, p.M)
		w := make([]float64, sq.Rows)
		for i := range w {
			w[i] = 1
		}
		terms = append(terms, g.WeightedSum(sq, w))
	}
	return g.Scale(g.AddScalars(terms...), m.cfg.RegularizationConstant)
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// Fit trains the model on data. When EvalNumExamples is positive that many
// examples are held out and evaluated every EvalNumEpochs epochs.
func (m *Model) Fit(data *modeldata.ModelData) error {
	if err := m.CheckSignature(data.Signature()); err != nil {
		return err
	}
	if data.NumExamples() == 0 {
		return fmt.Errorf("ted: no training examples")
	}

	train := data
	var eval *modeldata.ModelData
	if n := m.cfg.EvalNumExamples; n > 0 && n < data.NumExamples() {
		perm := m.rng.Perm(data.NumExamples())
		eval = data.Gather(perm[:n])
		train = data.Gather(perm[n:])
	}

	labels := lastLabels(train)
	n := train.NumExamples()
	for epoch := 0; epoch < m.cfg.Epochs; epoch++ {
		bs := modeldata.LinearBatchSize(epoch, m.cfg.Epochs, m.cfg.BatchSizes[0], m.cfg.BatchSizes[1])
		sum, count := 0.0, 0
		for _, ids := range modeldata.BatchIndices(n, bs, m.cfg.BatchStrategy, labels, m.rng) {
			batch, err := train.PrepareBatchIDs(ids)
			if err != nil {
				return fmt.Errorf("ted: prepare batch: %w", err)
			}
			sum += m.trainBatch(batch)
			count++
		}
		loss := sum / float64(count)
		logger := slog.With("epoch", epoch+1, "epochs", m.cfg.Epochs, "batch_size", bs, "loss", loss)
		if eval != nil && m.cfg.EvalNumEpochs > 0 &&
			((epoch+1)%m.cfg.EvalNumEpochs == 0 || epoch == m.cfg.Epochs-1) {
			acc, err := m.accuracy(eval)
			if err != nil {
				return err
			}
			logger.Info("ted: epoch done", "eval_accuracy", acc)
		} else {
			logger.Debug("ted: epoch done")
		}
	}
	return nil
}

// lastLabels extracts the label id of each example's final real timestep,
// used for class-balanced batching.
func lastLabels(data *modeldata.ModelData) []int {
	arr := data.Get(LabelIDsKey())
	if arr == nil {
		return make([]int, data.NumExamples())
	}
	out := make([]int, len(arr.Examples))
	for i, ex := range arr.Examples {
		out[i] = int(ex[len(ex)-1][0])
	}
	return out
}

// Predict scores every timestep of every example against all labels.
// Dropout is inactive and no gradients are recorded. Only the dialogue-side
// signature is checked, so data with or without label features is accepted.
func (m *Model) Predict(data *modeldata.ModelData) (*Prediction, error) {
	if diff := m.PredictSignature().Diff(dialogueOnly(data.Signature())); diff != "" {
		return nil, fmt.Errorf("ted: data signature mismatch: %s", diff)
	}
	n := data.NumExamples()
	pred := &Prediction{
		Similarities: make([][][]float64, n),
		Confidences:  make([][][]float64, n),
	}
	if n == 0 {
		return pred, nil
	}
	labelEmb := m.predictLabelEmbeddings()
	batch, err := data.PrepareBatch(0, n)
	if err != nil {
		return nil, fmt.Errorf("ted: prepare batch: %w", err)
	}
	for i := 0; i < n; i++ {
		g := mat.NewGraph(false)
		emb := m.encodeDialogue(g, batch, i)
		sims := m.loss.sims(g, emb, labelEmb)
		length := batch.Lengths[i]
		pred.Similarities[i] = make([][]float64, length)
		pred.Confidences[i] = make([][]float64, length)
		for t := 0; t < length; t++ {
			row := make([]float64, sims.Cols)
			copy(row, sims.Row(t))
			pred.Similarities[i][t] = row
			pred.Confidences[i][t] = m.loss.confidences(row)
		}
	}
	return pred, nil
}

// accuracy is the fraction of real timesteps whose top-confidence label is
// the true next intent.
func (m *Model) accuracy(data *modeldata.ModelData) (float64, error) {
	pred, err := m.Predict(data)
	if err != nil {
		return 0, err
	}
	arr := data.Get(LabelIDsKey())
	if arr == nil {
		return 0, fmt.Errorf("ted: eval data misses %v", LabelIDsKey())
	}
	correct, total := 0, 0
	for i, conf := range pred.Confidences {
		for t, row := range conf {
			if argmax(row) == int(arr.Examples[i][t][0]) {
				correct++
			}
			total++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(correct) / float64(total), nil
}

func argmax(row []float64) int {
	best, arg := row[0], 0
	for i, v := range row {
		if v > best {
			best, arg = v, i
		}
	}
	return arg
}
