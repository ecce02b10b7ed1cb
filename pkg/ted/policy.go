package ted

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-yaml"

	"github.com/dialogkit/ted/pkg/artifact"
	"github.com/dialogkit/ted/pkg/dialogue"
	"github.com/dialogkit/ted/pkg/modeldata"
)

// PolicyState tracks where a Policy is in its lifecycle.
type PolicyState string

const (
	StateUninitialized    PolicyState = "uninitialized"
	StateLabelTableBuilt  PolicyState = "label_table_built"
	StateModelConstructed PolicyState = "model_constructed"
	StateTrained          PolicyState = "trained"
	StateCalibrated       PolicyState = "calibrated"
	StateReady            PolicyState = "ready_for_prediction"
	// StateTrainingSkipped is terminal for a training attempt: the
	// assembled training data was empty, the model was never constructed
	// and the policy predicts nothing.
	StateTrainingSkipped PolicyState = "training_skipped"
)

// Artifact names within a persisted model directory.
const (
	ArtifactConfig      = "config"
	ArtifactWeights     = "weights"
	ArtifactLabelData   = "label_data"
	ArtifactDataExample = "data_example"
	ArtifactThresholds  = "thresholds"
)

// ErrNotTrained is returned by Predict when the policy has no trained
// model, either because training was skipped or never ran.
var ErrNotTrained = errors.New("ted: policy has no trained model")

// Policy orchestrates featurization, training, calibration, prediction and
// persistence of the intent model. A single instance serializes all
// operations; there is no concurrent mutation.
type Policy struct {
	cfg        Config
	domain     *dialogue.Domain
	featurizer *dialogue.TrackerFeaturizer

	model       *Model
	thresholds  Thresholds
	dataExample *modeldata.ModelData
	state       PolicyState
}

// NewPolicy builds an untrained policy. The configuration is validated
// here; an invalid similarity/loss combination never reaches training.
func NewPolicy(cfg Config, domain *dialogue.Domain) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{
		cfg:        cfg,
		domain:     domain,
		featurizer: dialogue.NewTrackerFeaturizer(domain, cfg.MaxHistory),
		state:      StateUninitialized,
	}, nil
}

// State reports the current lifecycle state.
func (p *Policy) State() PolicyState { return p.state }

// Config returns the policy configuration.
func (p *Policy) Config() Config { return p.cfg }

// Model exposes the trained model, or nil before training.
func (p *Policy) Model() *Model { return p.model }

// Thresholds returns the calibrated per-label thresholds. Empty until a
// training run with augmented trackers completed.
func (p *Policy) Thresholds() Thresholds { return p.thresholds }

// DataExample returns the single-example schema snapshot taken from the
// training data, or nil if training never produced data.
func (p *Policy) DataExample() *modeldata.ModelData { return p.dataExample }

// buildLabelTable encodes the whole intent vocabulary into model data, one
// single-timestep example per intent, row i carrying label id i. The table
// is rebuilt from scratch on every call; ids are stable because they are
// the domain's intent indices.
func (p *Policy) buildLabelTable() (*modeldata.ModelData, error) {
	bundles := p.featurizer.State.EncodeAllIntents()
	examples := make([]*dialogue.TrackerFeatures, len(bundles))
	for i, b := range bundles {
		examples[i] = &dialogue.TrackerFeatures{
			States:   []dialogue.Bundle{b},
			LabelIDs: []int{i},
		}
	}
	return assembleModelData(examples, GroupLabel, true)
}

// Train rebuilds the label table, model and thresholds from scratch.
// Augmented trackers are split off before featurization and used only for
// threshold calibration, never for gradient training. Empty training data
// is not an error: it is logged and leaves the policy in the terminal
// training-skipped state.
func (p *Policy) Train(trackers []*dialogue.Tracker) error {
	p.model = nil
	p.thresholds = nil
	p.dataExample = nil
	p.state = StateUninitialized

	augmented, regular := dialogue.SplitAugmented(trackers)

	labelData, err := p.buildLabelTable()
	if err != nil {
		return fmt.Errorf("ted: build label table: %w", err)
	}
	p.state = StateLabelTableBuilt

	data, err := assembleModelData(p.featurizer.Featurize(regular), GroupDialogue, true)
	if err != nil {
		return fmt.Errorf("ted: assemble training data: %w", err)
	}
	if data.IsEmpty() {
		slog.Error("ted: no usable training trackers, skipping training",
			"trackers", len(trackers), "augmented", len(augmented))
		p.state = StateTrainingSkipped
		return nil
	}
	p.dataExample = data.FirstDataExample()

	model, err := NewModel(p.cfg, data.Signature(), labelData)
	if err != nil {
		return err
	}
	p.state = StateModelConstructed

	if err := model.Fit(data); err != nil {
		return err
	}
	p.model = model
	p.state = StateTrained

	if err := p.calibrate(augmented); err != nil {
		return err
	}
	p.state = StateReady
	return nil
}

// calibrate derives the per-label thresholds from the augmented tracker
// set. Runs strictly after training, in evaluation mode. With no augmented
// trackers every label keeps an always-accept threshold.
func (p *Policy) calibrate(augmented []*dialogue.Tracker) error {
	p.thresholds = Thresholds{}
	calib, err := assembleModelData(p.featurizer.Featurize(augmented), GroupDialogue, true)
	if err != nil {
		return fmt.Errorf("ted: assemble calibration data: %w", err)
	}
	if calib.IsEmpty() {
		slog.Warn("ted: no augmented trackers, thresholds left empty")
		p.state = StateCalibrated
		return nil
	}
	th, err := Calibrate(p.model, calib, p.cfg.ThresholdQuantile)
	if err != nil {
		return err
	}
	p.thresholds = th
	p.state = StateCalibrated
	return nil
}

// IntentPrediction is the ranked outcome for one tracker: confidences over
// the full label id space taken from the final dialogue timestep.
type IntentPrediction struct {
	Confidences  []float64
	Similarities []float64
	// TopLabel is the label id with the highest confidence, TopIntent its
	// domain name.
	TopLabel  int
	TopIntent string
	// InDistribution is false when the top confidence falls below the
	// calibrated threshold for that label, i.e. the likely next intent is
	// something the model has not seen.
	InDistribution bool
}

// Predict scores the next user intent for each tracker. It is a pure
// function of the current weights and the input.
func (p *Policy) Predict(trackers []*dialogue.Tracker) ([]*IntentPrediction, error) {
	if p.model == nil {
		return nil, ErrNotTrained
	}
	feats := make([]*dialogue.TrackerFeatures, len(trackers))
	for i, tr := range trackers {
		feats[i] = p.featurizer.FeaturizeForPrediction(tr)
	}
	data, err := assembleModelData(feats, GroupDialogue, false)
	if err != nil {
		return nil, fmt.Errorf("ted: assemble prediction data: %w", err)
	}
	pred, err := p.model.Predict(data)
	if err != nil {
		return nil, err
	}
	out := make([]*IntentPrediction, len(trackers))
	for i := range trackers {
		conf := pred.Confidences[i]
		sims := pred.Similarities[i]
		last := len(conf) - 1
		top := argmax(conf[last])
		out[i] = &IntentPrediction{
			Confidences:    conf[last],
			Similarities:   sims[last],
			TopLabel:       top,
			TopIntent:      p.domain.Intents[top],
			InDistribution: p.thresholds.Accept(top, conf[last][top]),
		}
	}
	return out, nil
}

// persistedConfig wraps the configuration for the config artifact.
type persistedConfig struct {
	Config Config `yaml:"config"`
}

// Persist writes every model artifact to the store in one atomic batch:
// configuration, weights, label table, data example schema and thresholds.
// An untrained policy persists everything except weights and thresholds.
func (p *Policy) Persist(ctx context.Context, store artifact.Store) error {
	cfgBlob, err := yaml.Marshal(persistedConfig{Config: p.cfg})
	if err != nil {
		return fmt.Errorf("ted: encode config: %w", err)
	}
	blobs := map[string][]byte{ArtifactConfig: cfgBlob}

	if p.model != nil {
		labelBlob, err := artifact.EncodeMsgpack(ArtifactLabelData, p.model.labelData.Export())
		if err != nil {
			return err
		}
		exampleBlob, err := artifact.EncodeMsgpack(ArtifactDataExample, p.dataExample.Export())
		if err != nil {
			return err
		}
		weightsBlob, err := artifact.EncodeMsgpack(ArtifactWeights, p.model.Weights())
		if err != nil {
			return err
		}
		thBlob, err := artifact.EncodeMsgpack(ArtifactThresholds, map[int]float64(p.thresholds))
		if err != nil {
			return err
		}
		blobs[ArtifactLabelData] = labelBlob
		blobs[ArtifactDataExample] = exampleBlob
		blobs[ArtifactWeights] = weightsBlob
		blobs[ArtifactThresholds] = thBlob
	}
	return store.PutAll(ctx, blobs)
}

// PersistDir persists the policy into the badger store at dir, creating the
// directory if needed.
func (p *Policy) PersistDir(ctx context.Context, dir string) error {
	store, err := artifact.Create(dir)
	if err != nil {
		return err
	}
	defer store.Close()
	return p.Persist(ctx, store)
}

// Load reconstructs a policy from a store. A store without a config
// artifact, or with a corrupt one, fails; a store without weights yields an
// untrained policy usable only for re-training. A fully persisted model
// re-enters the ready state directly, with bit-identical predictions.
func Load(ctx context.Context, store artifact.Store, domain *dialogue.Domain) (*Policy, error) {
	var pc persistedConfig
	blob, err := store.Get(ctx, ArtifactConfig)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(blob, &pc); err != nil {
		return nil, fmt.Errorf("ted: decode config: %w", err)
	}
	p, err := NewPolicy(pc.Config, domain)
	if err != nil {
		return nil, err
	}

	var weights map[string][]float64
	if err := artifact.GetMsgpack(ctx, store, ArtifactWeights, &weights); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			slog.Warn("ted: no weight artifact, loaded policy is untrained")
			return p, nil
		}
		return nil, err
	}

	var labelSer, exampleSer modeldata.Serialized
	if err := artifact.GetMsgpack(ctx, store, ArtifactLabelData, &labelSer); err != nil {
		return nil, err
	}
	if err := artifact.GetMsgpack(ctx, store, ArtifactDataExample, &exampleSer); err != nil {
		return nil, err
	}
	labelData, err := modeldata.Import(&labelSer)
	if err != nil {
		return nil, fmt.Errorf("ted: import label data: %w", err)
	}
	p.dataExample, err = modeldata.Import(&exampleSer)
	if err != nil {
		return nil, fmt.Errorf("ted: import data example: %w", err)
	}

	model, err := NewModel(p.cfg, p.dataExample.Signature(), labelData)
	if err != nil {
		return nil, err
	}
	if err := model.SetWeights(weights); err != nil {
		return nil, err
	}
	p.model = model

	var th map[int]float64
	if err := artifact.GetMsgpack(ctx, store, ArtifactThresholds, &th); err != nil {
		if !errors.Is(err, artifact.ErrNotFound) {
			return nil, err
		}
	}
	p.thresholds = Thresholds(th)
	p.state = StateReady
	return p, nil
}

// LoadDir loads a policy from the badger store at dir. A missing directory
// surfaces artifact.ErrPathNotFound.
func LoadDir(ctx context.Context, dir string, domain *dialogue.Domain) (*Policy, error) {
	store, err := artifact.Open(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return Load(ctx, store, domain)
}
