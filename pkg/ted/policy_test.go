package ted

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dialogkit/ted/pkg/artifact"
	"github.com/dialogkit/ted/pkg/dialogue"
)

// augmentedTrackers are perturbed variants used only for calibration.
func augmentedTrackers() []*dialogue.Tracker {
	return []*dialogue.Tracker{
		dialogue.NewTracker([]dialogue.Turn{
			{Intent: "goodbye", PrevAction: "action_listen"},
			{Intent: "greet", PrevAction: "action_listen"},
			{Intent: "transfer", PrevAction: "utter_greet"},
		}, true),
		dialogue.NewTracker([]dialogue.Turn{
			{Intent: "transfer", PrevAction: "utter_greet"},
			{Intent: "affirm", PrevAction: "action_listen"},
			{Intent: "ask_balance", PrevAction: "action_listen"},
		}, true),
	}
}

func trainedPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg, toyDomain(t))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	all := append(toyTrackers(), augmentedTrackers()...)
	if err := p.Train(all); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return p
}

func TestPolicyLifecycle(t *testing.T) {
	p, err := NewPolicy(toyConfig(), toyDomain(t))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	if p.State() != StateUninitialized {
		t.Fatalf("fresh policy in state %q", p.State())
	}
	if _, err := p.Predict(toyTrackers()); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("predict before training: %v, want ErrNotTrained", err)
	}
	if err := p.Train(append(toyTrackers(), augmentedTrackers()...)); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if p.State() != StateReady {
		t.Fatalf("trained policy in state %q, want %q", p.State(), StateReady)
	}
	if p.Model() == nil {
		t.Fatal("trained policy has no model")
	}
	if p.DataExample() == nil {
		t.Fatal("trained policy has no data example")
	}
}

func TestTrainingSkippedOnEmptyData(t *testing.T) {
	p, err := NewPolicy(toyConfig(), toyDomain(t))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	// Only augmented trackers: nothing may be trained on.
	if err := p.Train(augmentedTrackers()); err != nil {
		t.Fatalf("Train on empty data must not fail: %v", err)
	}
	if p.State() != StateTrainingSkipped {
		t.Fatalf("state %q, want %q", p.State(), StateTrainingSkipped)
	}
	if p.Model() != nil {
		t.Fatal("model constructed despite empty training data")
	}
	if _, err := p.Predict(toyTrackers()); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("predict after skipped training: %v, want ErrNotTrained", err)
	}
}

func TestScenarioThreeTrackersFiveIntents(t *testing.T) {
	cfg := toyConfig() // Epochs=1, BatchSizes=[2,2]
	p := trainedPolicy(t, cfg)
	if p.DataExample() == nil {
		t.Fatal("data example is nil after training")
	}

	// Predict on the first two turns of a training tracker; the final
	// state is ask_balance, whose recorded next intent is goodbye.
	tr := &dialogue.Tracker{ID: "probe", Turns: toyTrackers()[0].Turns[:2]}
	preds, err := p.Predict([]*dialogue.Tracker{tr})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 1 || len(preds[0].Confidences) != 5 {
		t.Fatalf("want one prediction with 5 confidences, got %+v", preds)
	}
}

func TestTrainedPolicyPredictsNextIntent(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 200
	cfg.LearningRate = 0.02
	cfg.BatchSizes = [2]int{3, 3}
	p := trainedPolicy(t, cfg)

	tr := &dialogue.Tracker{ID: "probe", Turns: toyTrackers()[0].Turns[:2]}
	preds, err := p.Predict([]*dialogue.Tracker{tr})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got := preds[0].TopIntent; got != "goodbye" {
		t.Fatalf("predicted %q after ask_balance, want goodbye (conf %v)",
			got, preds[0].Confidences)
	}
}

func TestTrainRebuildsFromScratch(t *testing.T) {
	p := trainedPolicy(t, toyConfig())
	first := p.Model().Weights()
	if err := p.Train(append(toyTrackers(), augmentedTrackers()...)); err != nil {
		t.Fatalf("second Train: %v", err)
	}
	if p.State() != StateReady {
		t.Fatalf("state %q after retraining", p.State())
	}
	// Same seed, same data: the rebuilt model starts and ends identically.
	if !reflect.DeepEqual(first, p.Model().Weights()) {
		t.Fatal("retraining with identical inputs diverged")
	}
}

func TestLabelTableStable(t *testing.T) {
	p, err := NewPolicy(toyConfig(), toyDomain(t))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	a, err := p.buildLabelTable()
	if err != nil {
		t.Fatalf("buildLabelTable: %v", err)
	}
	b, err := p.buildLabelTable()
	if err != nil {
		t.Fatalf("buildLabelTable: %v", err)
	}
	if !reflect.DeepEqual(a.Export(), b.Export()) {
		t.Fatal("label table not identical across rebuilds")
	}
}

func TestCalibrationDoesNotMutateWeights(t *testing.T) {
	p := trainedPolicy(t, toyConfig())
	before := p.Model().Weights()
	calib, err := assembleModelData(p.featurizer.Featurize(augmentedTrackers()), GroupDialogue, true)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if _, err := Calibrate(p.Model(), calib, p.cfg.ThresholdQuantile); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if !reflect.DeepEqual(before, p.Model().Weights()) {
		t.Fatal("calibration mutated model weights")
	}
}

func TestThresholdStability(t *testing.T) {
	p := trainedPolicy(t, toyConfig())
	aug := augmentedTrackers()
	one, err := assembleModelData(p.featurizer.Featurize(aug), GroupDialogue, true)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	// The same samples twice over: empirical quantiles must not move.
	two, err := assembleModelData(p.featurizer.Featurize(append(aug, aug...)), GroupDialogue, true)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	thOne, err := Calibrate(p.Model(), one, p.cfg.ThresholdQuantile)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	thTwo, err := Calibrate(p.Model(), two, p.cfg.ThresholdQuantile)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if len(thOne) != len(thTwo) {
		t.Fatalf("label coverage changed: %d vs %d", len(thOne), len(thTwo))
	}
	for label, v := range thOne {
		if math.Abs(v-thTwo[label]) > 1e-12 {
			t.Fatalf("threshold for label %d moved from %v to %v", label, v, thTwo[label])
		}
	}
}

func TestThresholdGatesPrediction(t *testing.T) {
	th := Thresholds{2: 0.6}
	if !th.Accept(2, 0.7) {
		t.Fatal("confidence above threshold rejected")
	}
	if th.Accept(2, 0.5) {
		t.Fatal("confidence below threshold accepted")
	}
	if !th.Accept(4, 0.01) {
		t.Fatal("uncalibrated label must always be accepted")
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := trainedPolicy(t, toyConfig())
	probe := []*dialogue.Tracker{
		{ID: "probe", Turns: toyTrackers()[0].Turns[:2]},
	}
	before, err := p.Predict(probe)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "model")
	if err := p.PersistDir(ctx, dir); err != nil {
		t.Fatalf("PersistDir: %v", err)
	}
	loaded, err := LoadDir(ctx, dir, toyDomain(t))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if loaded.State() != StateReady {
		t.Fatalf("loaded policy in state %q", loaded.State())
	}
	if !reflect.DeepEqual(Thresholds(loaded.thresholds), p.thresholds) {
		t.Fatalf("thresholds changed across round trip: %v vs %v", loaded.thresholds, p.thresholds)
	}

	after, err := loaded.Predict(probe)
	if err != nil {
		t.Fatalf("Predict after load: %v", err)
	}
	for i := range before {
		for l := range before[i].Confidences {
			if math.Abs(before[i].Confidences[l]-after[i].Confidences[l]) > 1e-12 {
				t.Fatalf("confidence %d/%d changed: %v vs %v",
					i, l, before[i].Confidences[l], after[i].Confidences[l])
			}
		}
	}
}

func TestLoadMissingPath(t *testing.T) {
	_, err := LoadDir(context.Background(), filepath.Join(t.TempDir(), "absent"), toyDomain(t))
	if !errors.Is(err, artifact.ErrPathNotFound) {
		t.Fatalf("got %v, want ErrPathNotFound", err)
	}
}

func TestLoadUntrainedInstance(t *testing.T) {
	ctx := context.Background()
	p, err := NewPolicy(toyConfig(), toyDomain(t))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	store := artifact.NewMemory()
	if err := p.Persist(ctx, store); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	loaded, err := Load(ctx, store, toyDomain(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Model() != nil {
		t.Fatal("untrained store produced a model")
	}
	if _, err := loaded.Predict(toyTrackers()); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("predict on untrained load: %v, want ErrNotTrained", err)
	}
	// Still usable for training.
	if err := loaded.Train(append(toyTrackers(), augmentedTrackers()...)); err != nil {
		t.Fatalf("retrain after untrained load: %v", err)
	}
	if loaded.State() != StateReady {
		t.Fatalf("state %q after retraining", loaded.State())
	}
}
