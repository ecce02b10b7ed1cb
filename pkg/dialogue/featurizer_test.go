package dialogue

import (
	"reflect"
	"testing"
)

func testDomain(t *testing.T) *Domain {
	t.Helper()
	d := &Domain{
		Intents:  []string{"greet", "ask_balance", "transfer", "goodbye", "affirm"},
		Actions:  []string{"utter_greet", "utter_balance", "transfer_form", "utter_goodbye"},
		Entities: []string{"amount", "recipient"},
		Slots:    []Slot{{Name: "account"}, {Name: "amount"}},
		Forms:    []string{"transfer_form"},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("domain: %v", err)
	}
	return d
}

func TestDomainDuplicateIntent(t *testing.T) {
	d := &Domain{Intents: []string{"greet", "greet"}}
	if err := d.Validate(); err == nil {
		t.Fatal("expected duplicate intent error")
	}
}

func TestParseDomainYAML(t *testing.T) {
	src := []byte(`
intents: [greet, goodbye]
actions: [utter_greet]
slots:
  - name: account
`)
	d, err := ParseDomain(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.NumIntents() != 2 {
		t.Errorf("NumIntents = %d, want 2", d.NumIntents())
	}
	if i, ok := d.IntentIndex("goodbye"); !ok || i != 1 {
		t.Errorf("IntentIndex(goodbye) = %d,%v", i, ok)
	}
}

func TestEncodeStateShapes(t *testing.T) {
	d := testDomain(t)
	f := NewStateFeaturizer(d)
	b := f.EncodeState(Turn{
		Intent:     "transfer",
		Entities:   []string{"amount"},
		PrevAction: "utter_greet",
		Slots:      map[string]string{"account": "savings"},
		ActiveForm: "transfer_form",
	})

	wantDims := map[string]int{
		AttrIntent:     5,
		AttrActionName: 4,
		AttrEntities:   2,
		AttrSlots:      2,
		AttrActiveForm: 1,
	}
	for attr, dim := range wantDims {
		feats, ok := b[attr]
		if !ok {
			t.Fatalf("missing attribute %s", attr)
		}
		if len(feats[0].Values) != dim {
			t.Errorf("%s dim = %d, want %d", attr, len(feats[0].Values), dim)
		}
	}
	if b[AttrIntent][0].Values[2] != 1 {
		t.Error("intent one-hot not set for transfer")
	}
	if b[AttrSlots][0].Values[0] != 1 {
		t.Error("slot indicator not set for account")
	}
}

func TestEncodeStateSkipsEmptyAttributes(t *testing.T) {
	d := &Domain{Intents: []string{"greet"}, Actions: []string{"utter_greet"}}
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}
	b := NewStateFeaturizer(d).EncodeState(Turn{Intent: "greet"})
	for _, attr := range []string{AttrEntities, AttrSlots, AttrActiveForm} {
		if _, ok := b[attr]; ok {
			t.Errorf("attribute %s present despite empty vocabulary", attr)
		}
	}
}

func TestEncodeAllIntentsStable(t *testing.T) {
	d := testDomain(t)
	f := NewStateFeaturizer(d)
	a := f.EncodeAllIntents()
	b := f.EncodeAllIntents()
	if !reflect.DeepEqual(a, b) {
		t.Fatal("label table input differs between builds on an unchanged domain")
	}
	for i, bundle := range a {
		vec := bundle[AttrIntent][0].Values
		for j, v := range vec {
			want := 0.0
			if i == j {
				want = 1
			}
			if v != want {
				t.Fatalf("label %d: one-hot[%d] = %v", i, j, v)
			}
		}
	}
}

func TestSplitAugmentedPartition(t *testing.T) {
	all := []*Tracker{
		NewTracker(nil, true),
		NewTracker(nil, false),
		NewTracker(nil, true),
		NewTracker(nil, false),
		NewTracker(nil, false),
	}
	aug, non := SplitAugmented(all)
	if len(aug)+len(non) != len(all) {
		t.Fatalf("partition not exhaustive: %d+%d != %d", len(aug), len(non), len(all))
	}
	seen := map[string]bool{}
	for _, tr := range append(append([]*Tracker{}, aug...), non...) {
		if seen[tr.ID] {
			t.Fatalf("tracker %s double-counted", tr.ID)
		}
		seen[tr.ID] = true
	}
	for _, tr := range aug {
		if !tr.Augmented {
			t.Error("non-augmented tracker in augmented side")
		}
	}
}

func TestFeaturizeLabels(t *testing.T) {
	d := testDomain(t)
	f := NewTrackerFeaturizer(d, 0)
	tr := NewTracker([]Turn{
		{Intent: "greet"},
		{Intent: "ask_balance", PrevAction: "utter_greet"},
		{Intent: "goodbye", PrevAction: "utter_balance"},
	}, false)

	examples := f.Featurize([]*Tracker{tr})
	if len(examples) != 1 {
		t.Fatalf("got %d examples, want 1", len(examples))
	}
	ex := examples[0]
	if ex.Len() != 2 {
		t.Fatalf("example length = %d, want 2", ex.Len())
	}
	// Label at timestep t is the intent of turn t+1.
	if got, want := ex.LabelIDs, []int{1, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("labels = %v, want %v", got, want)
	}
}

func TestFeaturizeMaxHistory(t *testing.T) {
	d := testDomain(t)
	f := NewTrackerFeaturizer(d, 2)
	turns := []Turn{
		{Intent: "greet"},
		{Intent: "affirm"},
		{Intent: "ask_balance"},
		{Intent: "transfer"},
		{Intent: "goodbye"},
	}
	examples := f.Featurize([]*Tracker{NewTracker(turns, false)})
	ex := examples[0]
	if ex.Len() != 2 {
		t.Fatalf("len = %d, want max history 2", ex.Len())
	}
	// Kept timesteps are the most recent ones.
	if got, want := ex.LabelIDs, []int{2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("labels = %v, want %v", got, want)
	}
}

func TestFeaturizeSkipsShortAndUnknown(t *testing.T) {
	d := testDomain(t)
	f := NewTrackerFeaturizer(d, 0)
	examples := f.Featurize([]*Tracker{
		NewTracker([]Turn{{Intent: "greet"}}, false),                             // too short
		NewTracker([]Turn{{Intent: "greet"}, {Intent: "not_in_domain"}}, false),  // unknown label
		NewTracker([]Turn{{Intent: "greet"}, {Intent: "goodbye"}}, false),        // usable
	})
	if len(examples) != 1 {
		t.Fatalf("got %d examples, want 1", len(examples))
	}
}
