// Package ted implements a transformer embedding dialogue (TED) policy for
// next-intent prediction: dialogue history and candidate intents are
// embedded into a shared similarity space by a dual encoder, and candidate
// intents are ranked by similarity to the dialogue context.
//
// The package follows the StarSpace idea for the label side: candidate
// labels are encoded once per step and compared against every dialogue
// timestep, with a multi-label dot-product loss driving both encoders.
//
// # Lifecycle
//
// A [Policy] moves through a fixed sequence of states: label table built,
// model constructed, trained, calibrated, ready for prediction. Training on
// empty data is not an error; the policy logs it and stays a no-op
// predictor. See [Policy.Train].
package ted

import (
	"fmt"

	"github.com/dialogkit/ted/pkg/modeldata"
)

// SimilarityType selects how embeddings are compared.
type SimilarityType string

const (
	// SimilarityAuto resolves to inner product for softmax loss and cosine
	// for margin loss.
	SimilarityAuto   SimilarityType = "auto"
	SimilarityCosine SimilarityType = "cosine"
	SimilarityInner  SimilarityType = "inner"
)

// LossType selects the ranking loss.
type LossType string

const (
	LossSoftmax LossType = "softmax"
	LossMargin  LossType = "margin"
)

// Config enumerates every hyperparameter of the policy. All cross-field
// constraints are checked once, at construction, by [Config.Validate];
// nothing downstream re-validates.
type Config struct {
	// Architecture.
	DenseDimension       int  `yaml:"dense_dimension"`
	EncodingDimension    int  `yaml:"encoding_dimension"`
	TransformerSize      int  `yaml:"transformer_size"`
	NumTransformerLayers int  `yaml:"num_transformer_layers"`
	NumHeads             int  `yaml:"num_heads"`
	EmbeddingDimension   int  `yaml:"embedding_dimension"`
	// UnidirectionalEncoder restricts attention so each position sees only
	// itself and earlier positions.
	UnidirectionalEncoder  bool `yaml:"unidirectional_encoder"`
	KeyRelativeAttention   bool `yaml:"key_relative_attention"`
	ValueRelativeAttention bool `yaml:"value_relative_attention"`
	// MaxRelativePosition clips relative distances for the relative
	// attention embeddings. Ignored unless one of the relative attention
	// flags is set.
	MaxRelativePosition int `yaml:"max_relative_position"`

	// Training.
	BatchSizes    [2]int             `yaml:"batch_sizes"` // linearly ramped first→last across epochs
	BatchStrategy modeldata.Strategy `yaml:"batch_strategy"`
	Epochs        int                `yaml:"epochs"`
	LearningRate  float64            `yaml:"learning_rate"`
	RandomSeed    int64              `yaml:"random_seed"`
	MaxHistory    int                `yaml:"max_history"` // 0 = unbounded

	// Loss.
	NumNeg                 int            `yaml:"number_of_negative_examples"`
	SimilarityType         SimilarityType `yaml:"similarity_type"`
	LossType               LossType       `yaml:"loss_type"`
	RankingLength          int            `yaml:"ranking_length"` // 0 disables top-k restriction
	MaxPosSim              float64        `yaml:"maximum_positive_similarity"`
	MaxNegSim              float64        `yaml:"maximum_negative_similarity"`
	UseMaxNegSim           bool           `yaml:"use_maximum_negative_similarity"`
	ScaleLoss              bool           `yaml:"scale_loss"`
	RegularizationConstant float64        `yaml:"regularization_constant"`
	NegativeMarginScale    float64        `yaml:"negative_margin_scale"`

	// Dropout.
	DropRateDialogue  float64 `yaml:"drop_rate_dialogue"`
	DropRateLabel     float64 `yaml:"drop_rate_label"`
	DropRate          float64 `yaml:"drop_rate"`
	DropRateAttention float64 `yaml:"drop_rate_attention"`
	// WeightSparsity is the fraction of feed-forward weights frozen at
	// zero, applied to the sparse-input projection layers.
	WeightSparsity float64 `yaml:"weight_sparsity"`

	// Evaluation.
	EvalNumEpochs   int `yaml:"evaluate_every_number_of_epochs"`
	EvalNumExamples int `yaml:"evaluate_on_number_of_examples"`

	// Calibration. ThresholdQuantile is the quantile of the
	// out-of-distribution confidence distribution used as the per-label
	// acceptance threshold.
	ThresholdQuantile float64 `yaml:"threshold_quantile"`
}

// DefaultConfig returns the baseline hyperparameters.
func DefaultConfig() Config {
	return Config{
		DenseDimension:         20,
		EncodingDimension:      50,
		TransformerSize:        128,
		NumTransformerLayers:   1,
		NumHeads:               4,
		EmbeddingDimension:     20,
		UnidirectionalEncoder:  true,
		MaxRelativePosition:    5,
		BatchSizes:             [2]int{64, 256},
		BatchStrategy:          modeldata.StrategyBalanced,
		Epochs:                 1,
		LearningRate:           0.001,
		MaxHistory:             0,
		NumNeg:                 20,
		SimilarityType:         SimilarityAuto,
		LossType:               LossSoftmax,
		RankingLength:          10,
		MaxPosSim:              0.8,
		MaxNegSim:              -0.2,
		UseMaxNegSim:           true,
		ScaleLoss:              true,
		RegularizationConstant: 0.001,
		NegativeMarginScale:    0.8,
		DropRateDialogue:       0.1,
		DropRateLabel:          0,
		DropRate:               0,
		DropRateAttention:      0,
		WeightSparsity:         0.8,
		EvalNumEpochs:          20,
		EvalNumExamples:        0,
		ThresholdQuantile:      0.05,
	}
}

// Validate checks internal consistency. It fails fast on invalid
// combinations so misconfiguration never reaches training.
func (c *Config) Validate() error {
	switch {
	case c.DenseDimension <= 0, c.EncodingDimension <= 0, c.TransformerSize <= 0,
		c.EmbeddingDimension <= 0:
		return fmt.Errorf("ted: layer dimensions must be positive")
	case c.NumTransformerLayers < 0:
		return fmt.Errorf("ted: num_transformer_layers must be >= 0")
	case c.NumHeads <= 0 || c.TransformerSize%c.NumHeads != 0:
		return fmt.Errorf("ted: transformer_size %d must be a positive multiple of num_heads %d",
			c.TransformerSize, c.NumHeads)
	case c.Epochs <= 0:
		return fmt.Errorf("ted: epochs must be positive")
	case c.BatchSizes[0] <= 0 || c.BatchSizes[1] < c.BatchSizes[0]:
		return fmt.Errorf("ted: batch_sizes must be [lo, hi] with 0 < lo <= hi")
	case c.NumNeg <= 0:
		return fmt.Errorf("ted: number_of_negative_examples must be positive")
	case c.LearningRate <= 0:
		return fmt.Errorf("ted: learning_rate must be positive")
	case c.WeightSparsity < 0 || c.WeightSparsity >= 1:
		return fmt.Errorf("ted: weight_sparsity must be in [0, 1)")
	case c.ThresholdQuantile < 0 || c.ThresholdQuantile > 1:
		return fmt.Errorf("ted: threshold_quantile must be in [0, 1]")
	}

	switch c.BatchStrategy {
	case modeldata.StrategySequence, modeldata.StrategyBalanced:
	default:
		return fmt.Errorf("ted: unknown batch_strategy %q", c.BatchStrategy)
	}

	switch c.LossType {
	case LossSoftmax:
		if c.SimilarityType == SimilarityCosine {
			return fmt.Errorf("ted: softmax loss requires %q or %q similarity, got %q",
				SimilarityAuto, SimilarityInner, c.SimilarityType)
		}
		if c.RankingLength < 0 {
			return fmt.Errorf("ted: ranking_length must be >= 0")
		}
	case LossMargin:
		switch c.SimilarityType {
		case SimilarityAuto, SimilarityCosine, SimilarityInner:
		default:
			return fmt.Errorf("ted: unknown similarity_type %q", c.SimilarityType)
		}
		if c.ResolvedSimilarity() == SimilarityCosine {
			if c.MaxPosSim <= 0 || c.MaxPosSim > 1 {
				return fmt.Errorf("ted: maximum_positive_similarity must be in (0, 1] for cosine, got %v", c.MaxPosSim)
			}
			if c.MaxNegSim <= -1 || c.MaxNegSim >= 1 {
				return fmt.Errorf("ted: maximum_negative_similarity must be in (-1, 1) for cosine, got %v", c.MaxNegSim)
			}
		}
		if c.MaxNegSim >= c.MaxPosSim {
			return fmt.Errorf("ted: maximum_negative_similarity %v must be below maximum_positive_similarity %v",
				c.MaxNegSim, c.MaxPosSim)
		}
	default:
		return fmt.Errorf("ted: unknown loss_type %q", c.LossType)
	}

	switch c.SimilarityType {
	case SimilarityAuto, SimilarityCosine, SimilarityInner:
	default:
		return fmt.Errorf("ted: unknown similarity_type %q", c.SimilarityType)
	}

	if (c.KeyRelativeAttention || c.ValueRelativeAttention) && c.MaxRelativePosition <= 0 {
		return fmt.Errorf("ted: max_relative_position must be positive with relative attention")
	}
	return nil
}

// ResolvedSimilarity resolves SimilarityAuto against the loss type:
// inner product for softmax, cosine for margin. Persisted configurations
// are re-resolved the same way at load time, so a model trained with
// "auto" predicts identically after a save/load cycle.
func (c *Config) ResolvedSimilarity() SimilarityType {
	if c.SimilarityType != SimilarityAuto {
		return c.SimilarityType
	}
	if c.LossType == LossMargin {
		return SimilarityCosine
	}
	return SimilarityInner
}
