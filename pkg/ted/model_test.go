package ted

import (
	"math"
	"testing"

	"github.com/dialogkit/ted/pkg/dialogue"
	"github.com/dialogkit/ted/pkg/modeldata"
)

func toyDomain(t *testing.T) *dialogue.Domain {
	t.Helper()
	d := &dialogue.Domain{
		Intents: []string{"greet", "ask_balance", "transfer", "goodbye", "affirm"},
		Actions: []string{"action_listen", "utter_greet"},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("toy domain: %v", err)
	}
	return d
}

// toyTrackers encode a deterministic next-intent mapping:
// greet->ask_balance, ask_balance->goodbye, affirm->transfer,
// transfer->goodbye.
func toyTrackers() []*dialogue.Tracker {
	return []*dialogue.Tracker{
		dialogue.NewTracker([]dialogue.Turn{
			{Intent: "greet", PrevAction: "action_listen"},
			{Intent: "ask_balance", PrevAction: "utter_greet"},
			{Intent: "goodbye", PrevAction: "action_listen"},
		}, false),
		dialogue.NewTracker([]dialogue.Turn{
			{Intent: "affirm", PrevAction: "action_listen"},
			{Intent: "transfer", PrevAction: "action_listen"},
			{Intent: "goodbye", PrevAction: "action_listen"},
		}, false),
		dialogue.NewTracker([]dialogue.Turn{
			{Intent: "greet", PrevAction: "action_listen"},
			{Intent: "ask_balance", PrevAction: "utter_greet"},
			{Intent: "goodbye", PrevAction: "action_listen"},
		}, false),
	}
}

func toyConfig() Config {
	cfg := DefaultConfig()
	cfg.DenseDimension = 8
	cfg.EncodingDimension = 8
	cfg.TransformerSize = 16
	cfg.NumHeads = 2
	cfg.EmbeddingDimension = 8
	cfg.BatchSizes = [2]int{2, 2}
	cfg.Epochs = 1
	cfg.NumNeg = 3
	cfg.RankingLength = 0
	cfg.DropRateDialogue = 0
	cfg.WeightSparsity = 0
	cfg.EvalNumExamples = 0
	cfg.RandomSeed = 7
	return cfg
}

// toyData featurizes the toy trackers into training data plus label table.
func toyData(t *testing.T, cfg Config) (*modeldata.ModelData, *modeldata.ModelData) {
	t.Helper()
	d := toyDomain(t)
	f := dialogue.NewTrackerFeaturizer(d, cfg.MaxHistory)
	data, err := assembleModelData(f.Featurize(toyTrackers()), GroupDialogue, true)
	if err != nil {
		t.Fatalf("assemble training data: %v", err)
	}
	labels, err := assembleModelData(labelExamples(f.State.EncodeAllIntents()), GroupLabel, true)
	if err != nil {
		t.Fatalf("assemble label table: %v", err)
	}
	return data, labels
}

func labelExamples(bundles []dialogue.Bundle) []*dialogue.TrackerFeatures {
	out := make([]*dialogue.TrackerFeatures, len(bundles))
	for i, b := range bundles {
		out[i] = &dialogue.TrackerFeatures{
			States:   []dialogue.Bundle{b},
			LabelIDs: []int{i},
		}
	}
	return out
}

func TestFitLearnsToyMapping(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 200
	cfg.LearningRate = 0.02
	cfg.BatchSizes = [2]int{3, 3}
	data, labels := toyData(t, cfg)

	m, err := NewModel(cfg, data.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if err := m.Fit(data); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	pred, err := m.Predict(data)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	ids := data.Get(LabelIDsKey())
	for i, conf := range pred.Confidences {
		for ts, row := range conf {
			want := int(ids.Examples[i][ts][0])
			if got := argmax(row); got != want {
				t.Errorf("example %d timestep %d: predicted label %d, want %d (conf %v)",
					i, ts, got, want, row)
			}
		}
	}
}

func TestPredictShapesAndNormalization(t *testing.T) {
	cfg := toyConfig()
	data, labels := toyData(t, cfg)
	m, err := NewModel(cfg, data.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	pred, err := m.Predict(data)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	lengths := data.Lengths()
	for i, conf := range pred.Confidences {
		if len(conf) != lengths[i] {
			t.Fatalf("example %d: %d timesteps, want %d", i, len(conf), lengths[i])
		}
		for ts, row := range conf {
			if len(row) != m.NumLabels() {
				t.Fatalf("example %d timestep %d: %d labels, want %d", i, ts, len(row), m.NumLabels())
			}
			sum := 0.0
			for _, v := range row {
				if v < 0 {
					t.Fatalf("negative confidence %v", v)
				}
				sum += v
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Fatalf("confidences sum to %v, want 1", sum)
			}
		}
	}
}

func TestMarginConfidencesBounded(t *testing.T) {
	cfg := toyConfig()
	cfg.LossType = LossMargin
	cfg.SimilarityType = SimilarityAuto // resolves to cosine
	data, labels := toyData(t, cfg)
	m, err := NewModel(cfg, data.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if err := m.Fit(data); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	pred, err := m.Predict(data)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for _, conf := range pred.Confidences {
		for _, row := range conf {
			for _, v := range row {
				if v < 0 || v > 1+1e-9 {
					t.Fatalf("margin confidence %v outside [0, 1]", v)
				}
			}
		}
	}
}

func TestMarginConfidencesClipNegatives(t *testing.T) {
	cfg := toyConfig()
	cfg.LossType = LossMargin
	ll := newLossLayer(&cfg)
	got := ll.confidences([]float64{0.9, -0.4, 0.1, -1})
	want := []float64{0.9, 0, 0.1, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("confidence %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRankingLengthRenormalizes(t *testing.T) {
	cfg := toyConfig()
	cfg.RankingLength = 2
	data, labels := toyData(t, cfg)
	m, err := NewModel(cfg, data.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	pred, err := m.Predict(data)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	row := pred.Confidences[0][0]
	nonzero, sum := 0, 0.0
	for _, v := range row {
		if v > 0 {
			nonzero++
		}
		sum += v
	}
	if nonzero > 2 {
		t.Fatalf("%d nonzero confidences, want at most ranking length 2", nonzero)
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("truncated confidences sum to %v, want 1", sum)
	}
}

// mixedTrackers featurize to a 3-timestep and a 1-timestep example, so any
// shared batch must pad the short one.
func mixedTrackers() []*dialogue.Tracker {
	return []*dialogue.Tracker{
		dialogue.NewTracker([]dialogue.Turn{
			{Intent: "greet", PrevAction: "action_listen"},
			{Intent: "ask_balance", PrevAction: "utter_greet"},
			{Intent: "goodbye", PrevAction: "action_listen"},
			{Intent: "affirm", PrevAction: "action_listen"},
		}, false),
		dialogue.NewTracker([]dialogue.Turn{
			{Intent: "affirm", PrevAction: "action_listen"},
			{Intent: "transfer", PrevAction: "action_listen"},
		}, false),
	}
}

func TestPaddingDoesNotLeakAcrossExamples(t *testing.T) {
	cfg := toyConfig()
	d := toyDomain(t)
	f := dialogue.NewTrackerFeaturizer(d, cfg.MaxHistory)
	trs := mixedTrackers()

	both, err := assembleModelData(f.Featurize(trs), GroupDialogue, true)
	if err != nil {
		t.Fatalf("assemble mixed data: %v", err)
	}
	alone, err := assembleModelData(f.Featurize(trs[1:]), GroupDialogue, true)
	if err != nil {
		t.Fatalf("assemble single example: %v", err)
	}
	labels, err := assembleModelData(labelExamples(f.State.EncodeAllIntents()), GroupLabel, true)
	if err != nil {
		t.Fatalf("assemble label table: %v", err)
	}
	m, err := NewModel(cfg, both.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	predBoth, err := m.Predict(both)
	if err != nil {
		t.Fatalf("Predict batched: %v", err)
	}
	predAlone, err := m.Predict(alone)
	if err != nil {
		t.Fatalf("Predict alone: %v", err)
	}
	if len(predBoth.Confidences[0]) != 3 || len(predBoth.Confidences[1]) != 1 {
		t.Fatalf("timestep counts %d/%d, want 3/1",
			len(predBoth.Confidences[0]), len(predBoth.Confidences[1]))
	}
	// The short example sits next to a longer one, so its rows are padded;
	// its scores must not move.
	for l := range predAlone.Confidences[0][0] {
		batched := predBoth.Confidences[1][0][l]
		single := predAlone.Confidences[0][0][l]
		if math.Abs(batched-single) > 1e-12 {
			t.Fatalf("label %d: batched %v vs alone %v", l, batched, single)
		}
	}
}

func TestFitMixedLengthBatches(t *testing.T) {
	cfg := toyConfig()
	d := toyDomain(t)
	f := dialogue.NewTrackerFeaturizer(d, cfg.MaxHistory)
	data, err := assembleModelData(f.Featurize(mixedTrackers()), GroupDialogue, true)
	if err != nil {
		t.Fatalf("assemble mixed data: %v", err)
	}
	labels, err := assembleModelData(labelExamples(f.State.EncodeAllIntents()), GroupLabel, true)
	if err != nil {
		t.Fatalf("assemble label table: %v", err)
	}
	m, err := NewModel(cfg, data.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	batch, err := data.PrepareBatch(0, data.NumExamples())
	if err != nil {
		t.Fatalf("PrepareBatch: %v", err)
	}
	if loss := m.trainBatch(batch); math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("padded batch produced loss %v", loss)
	}
	if err := m.Fit(data); err != nil {
		t.Fatalf("Fit on mixed lengths: %v", err)
	}
	pred, err := m.Predict(data)
	if err != nil {
		t.Fatalf("Predict after training: %v", err)
	}
	for i, conf := range pred.Confidences {
		for ts, row := range conf {
			for _, v := range row {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Fatalf("example %d timestep %d: confidence %v", i, ts, v)
				}
			}
		}
	}
}

func TestPredictSignatureMismatchFatal(t *testing.T) {
	cfg := toyConfig()
	data, labels := toyData(t, cfg)
	m, err := NewModel(cfg, data.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	trimmed := data.Filter(func(k modeldata.Key) bool {
		return k != (modeldata.Key{Group: GroupDialogue, Sub: dialogue.AttrActionName})
	})
	if _, err := m.Predict(trimmed); err == nil {
		t.Fatal("expected signature mismatch error")
	}
	if err := m.Fit(trimmed); err == nil {
		t.Fatal("expected signature mismatch error from Fit")
	}
}

func TestLabelEmbeddingCacheInvalidation(t *testing.T) {
	cfg := toyConfig()
	data, labels := toyData(t, cfg)
	m, err := NewModel(cfg, data.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	first := m.predictLabelEmbeddings()
	if second := m.predictLabelEmbeddings(); second != first {
		t.Fatal("cache not reused between predictions")
	}
	batch, err := data.PrepareBatch(0, data.NumExamples())
	if err != nil {
		t.Fatalf("PrepareBatch: %v", err)
	}
	m.trainBatch(batch)
	if after := m.predictLabelEmbeddings(); after == first {
		t.Fatal("cache survived a weight update")
	}
}

func TestSetWeightsRejectsMismatch(t *testing.T) {
	cfg := toyConfig()
	data, labels := toyData(t, cfg)
	m, err := NewModel(cfg, data.Signature(), labels)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	w := m.Weights()
	delete(w, "embed.dialogue.w")
	if err := m.SetWeights(w); err == nil {
		t.Fatal("expected error for missing parameter")
	}
	w = m.Weights()
	w["embed.dialogue.w"] = w["embed.dialogue.w"][:3]
	if err := m.SetWeights(w); err == nil {
		t.Fatal("expected error for truncated parameter")
	}
}
