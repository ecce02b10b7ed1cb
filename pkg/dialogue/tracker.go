package dialogue

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

// Turn is one exchange in a recorded dialogue: the user's classified intent
// (with any recognized entities) and the state the conversation was in when
// the user spoke.
type Turn struct {
	// Intent the user expressed in this turn. Must be in the domain.
	Intent string `yaml:"intent"`
	// Entities recognized in the user utterance, by entity name.
	Entities []string `yaml:"entities,omitempty"`
	// PrevAction is the system action that preceded this user turn.
	PrevAction string `yaml:"prev_action,omitempty"`
	// Slots maps slot name to its current value; unset slots are absent.
	Slots map[string]string `yaml:"slots,omitempty"`
	// ActiveForm is the form in progress, if any.
	ActiveForm string `yaml:"active_form,omitempty"`
}

// Tracker is a recorded dialogue session used as a training or evaluation
// example.
//
// Augmented trackers are synthetically perturbed sessions used only to
// probe out-of-distribution behavior during threshold calibration; they
// must never contribute gradient updates.
type Tracker struct {
	ID        string `yaml:"id,omitempty"`
	Augmented bool   `yaml:"augmented,omitempty"`
	Turns     []Turn `yaml:"turns"`
}

// NewTracker creates a tracker with a fresh uuid.
func NewTracker(turns []Turn, augmented bool) *Tracker {
	return &Tracker{
		ID:        uuid.NewString(),
		Augmented: augmented,
		Turns:     turns,
	}
}

// LoadTrackers reads a YAML file holding a list of trackers. Trackers
// without an id are assigned one.
func LoadTrackers(path string) ([]*Tracker, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dialogue: read trackers: %w", err)
	}
	var trackers []*Tracker
	if err := yaml.Unmarshal(b, &trackers); err != nil {
		return nil, fmt.Errorf("dialogue: parse trackers: %w", err)
	}
	for _, tr := range trackers {
		if tr.ID == "" {
			tr.ID = uuid.NewString()
		}
	}
	return trackers, nil
}

// SplitAugmented partitions trackers into (augmented, nonAugmented).
// The partition is exhaustive and disjoint: every tracker lands in exactly
// one of the two slices. Training must use only the non-augmented side;
// threshold calibration must use only the augmented side.
func SplitAugmented(all []*Tracker) (augmented, nonAugmented []*Tracker) {
	for _, tr := range all {
		if tr.Augmented {
			augmented = append(augmented, tr)
		} else {
			nonAugmented = append(nonAugmented, tr)
		}
	}
	return augmented, nonAugmented
}
