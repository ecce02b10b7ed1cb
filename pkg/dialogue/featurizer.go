package dialogue

import (
	"fmt"
	"log/slog"
)

// StateFeaturizer encodes a single dialogue state into an attribute feature
// bundle using the domain vocabulary: one-hot vectors for the user intent
// and previous action, a multi-hot vector for recognized entities, a binary
// set-indicator vector for slots, and a one-hot vector for the active form.
//
// Attributes whose vocabulary is empty (e.g. a domain without forms) are
// omitted from the bundle entirely, so the model never sees zero-width
// inputs.
type StateFeaturizer struct {
	domain *Domain
}

// NewStateFeaturizer creates a featurizer bound to a validated domain.
func NewStateFeaturizer(d *Domain) *StateFeaturizer {
	return &StateFeaturizer{domain: d}
}

// EncodeState converts one turn into its attribute feature bundle.
// Unknown vocabulary items are skipped with a warning rather than failing
// the whole tracker; a recorded session may legitimately reference items
// removed from the domain since it was captured.
func (f *StateFeaturizer) EncodeState(turn Turn) Bundle {
	b := Bundle{}
	d := f.domain

	if len(d.Intents) > 0 {
		vec := make([]float64, len(d.Intents))
		if turn.Intent != "" {
			if i, ok := d.IntentIndex(turn.Intent); ok {
				vec[i] = 1
			} else {
				slog.Warn("featurizer: intent not in domain", "intent", turn.Intent)
			}
		}
		b[AttrIntent] = []Features{{Attribute: AttrIntent, Type: Sparse, Granularity: Sentence, Values: vec}}
	}

	if len(d.Actions) > 0 {
		vec := make([]float64, len(d.Actions))
		if turn.PrevAction != "" {
			if i, ok := d.ActionIndex(turn.PrevAction); ok {
				vec[i] = 1
			} else {
				slog.Warn("featurizer: action not in domain", "action", turn.PrevAction)
			}
		}
		b[AttrActionName] = []Features{{Attribute: AttrActionName, Type: Sparse, Granularity: Sentence, Values: vec}}
	}

	if len(d.Entities) > 0 {
		vec := make([]float64, len(d.Entities))
		for _, e := range turn.Entities {
			if i, ok := d.EntityIndex(e); ok {
				vec[i] = 1
			} else {
				slog.Warn("featurizer: entity not in domain", "entity", e)
			}
		}
		b[AttrEntities] = []Features{{Attribute: AttrEntities, Type: Sparse, Granularity: Sentence, Values: vec}}
	}

	if len(d.Slots) > 0 {
		vec := make([]float64, len(d.Slots))
		for name, val := range turn.Slots {
			if val == "" {
				continue
			}
			if i, ok := d.SlotIndex(name); ok {
				vec[i] = 1
			} else {
				slog.Warn("featurizer: slot not in domain", "slot", name)
			}
		}
		b[AttrSlots] = []Features{{Attribute: AttrSlots, Type: Dense, Granularity: Sentence, Values: vec}}
	}

	if len(d.Forms) > 0 {
		vec := make([]float64, len(d.Forms))
		if turn.ActiveForm != "" {
			if i, ok := d.FormIndex(turn.ActiveForm); ok {
				vec[i] = 1
			} else {
				slog.Warn("featurizer: form not in domain", "form", turn.ActiveForm)
			}
		}
		b[AttrActiveForm] = []Features{{Attribute: AttrActiveForm, Type: Sparse, Granularity: Sentence, Values: vec}}
	}

	return b
}

// EncodeAllIntents encodes the full intent vocabulary, one bundle per
// intent, in label-id order. This is the input to the label table: entry i
// is the encoding of the intent with label id i, and the output is
// identical across invocations for an unchanged domain.
func (f *StateFeaturizer) EncodeAllIntents() []Bundle {
	out := make([]Bundle, len(f.domain.Intents))
	for i := range f.domain.Intents {
		vec := make([]float64, len(f.domain.Intents))
		vec[i] = 1
		out[i] = Bundle{
			AttrIntent: []Features{{Attribute: AttrIntent, Type: Sparse, Granularity: Sentence, Values: vec}},
		}
	}
	return out
}

// TrackerFeatures is one dialogue example: the encoded states of a tracker
// and the label id (the next user intent) aligned with each timestep.
// Timestep t covers the state after turn t; its label is the intent the
// user expressed in turn t+1.
type TrackerFeatures struct {
	TrackerID string
	States    []Bundle
	LabelIDs  []int
}

// Len returns the number of timesteps in the example.
func (t *TrackerFeatures) Len() int { return len(t.States) }

// TrackerFeaturizer converts whole trackers into dialogue examples,
// bounded by a maximum history length.
type TrackerFeaturizer struct {
	State      *StateFeaturizer
	MaxHistory int // 0 means unbounded
}

// NewTrackerFeaturizer creates a tracker featurizer for the domain.
func NewTrackerFeaturizer(d *Domain, maxHistory int) *TrackerFeaturizer {
	return &TrackerFeaturizer{State: NewStateFeaturizer(d), MaxHistory: maxHistory}
}

// Featurize converts trackers into dialogue examples. A tracker needs at
// least two turns to supply one (state, next-intent) pair; shorter trackers
// are skipped. Trackers whose future intent is missing from the domain are
// skipped as unusable, with an error logged, because a label id cannot be
// assigned.
func (f *TrackerFeaturizer) Featurize(trackers []*Tracker) []*TrackerFeatures {
	var out []*TrackerFeatures
	for _, tr := range trackers {
		ex, err := f.featurizeOne(tr)
		if err != nil {
			slog.Error("featurizer: skipping tracker", "tracker", tr.ID, "err", err)
			continue
		}
		if ex != nil {
			out = append(out, ex)
		}
	}
	return out
}

// FeaturizeForPrediction encodes every turn of a tracker, including the
// last one, with no label ids attached. The caller predicts the next intent
// from the final timestep.
func (f *TrackerFeaturizer) FeaturizeForPrediction(tr *Tracker) *TrackerFeatures {
	states := make([]Bundle, len(tr.Turns))
	for t, turn := range tr.Turns {
		states[t] = f.State.EncodeState(turn)
	}
	if f.MaxHistory > 0 && len(states) > f.MaxHistory {
		states = states[len(states)-f.MaxHistory:]
	}
	return &TrackerFeatures{TrackerID: tr.ID, States: states}
}

func (f *TrackerFeaturizer) featurizeOne(tr *Tracker) (*TrackerFeatures, error) {
	if len(tr.Turns) < 2 {
		return nil, nil
	}
	n := len(tr.Turns) - 1 // last turn has no next intent
	states := make([]Bundle, 0, n)
	labels := make([]int, 0, n)
	for t := 0; t < n; t++ {
		next := tr.Turns[t+1].Intent
		id, ok := f.State.domain.IntentIndex(next)
		if !ok {
			return nil, fmt.Errorf("dialogue: intent %q has no label id", next)
		}
		states = append(states, f.State.EncodeState(tr.Turns[t]))
		labels = append(labels, id)
	}
	if f.MaxHistory > 0 && len(states) > f.MaxHistory {
		states = states[len(states)-f.MaxHistory:]
		labels = labels[len(labels)-f.MaxHistory:]
	}
	return &TrackerFeatures{TrackerID: tr.ID, States: states, LabelIDs: labels}, nil
}
