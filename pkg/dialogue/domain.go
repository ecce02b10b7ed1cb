// Package dialogue defines the conversational domain model consumed by the
// intent prediction policy: the domain vocabulary (intents, actions, slots,
// forms, entities), recorded dialogue trackers, and the featurizers that
// turn both into the attribute feature bundles the neural model trains on.
//
// The package is deliberately free of tensor math; it produces tagged
// float vectors and label ids, and pkg/modeldata turns those into padded
// batches.
package dialogue

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Slot is a named piece of dialogue state tracked across turns.
type Slot struct {
	Name string `yaml:"name"`
	// Type is informational ("text", "categorical", "bool"); featurization
	// only cares whether the slot is set.
	Type string `yaml:"type,omitempty"`
}

// Domain is the static vocabulary of a conversational assistant.
//
// The order of Intents defines the label-id space: intent i has label id i,
// stable for the lifetime of a trained model. Rebuilding the label table
// from an unchanged Domain therefore always yields the same id mapping.
type Domain struct {
	Intents  []string `yaml:"intents"`
	Actions  []string `yaml:"actions"`
	Entities []string `yaml:"entities,omitempty"`
	Slots    []Slot   `yaml:"slots,omitempty"`
	Forms    []string `yaml:"forms,omitempty"`

	intentIndex map[string]int
	actionIndex map[string]int
	entityIndex map[string]int
	slotIndex   map[string]int
	formIndex   map[string]int
}

// LoadDomain reads a domain definition from a YAML file.
func LoadDomain(path string) (*Domain, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dialogue: read domain: %w", err)
	}
	return ParseDomain(b)
}

// ParseDomain parses a YAML domain definition and validates it.
func ParseDomain(b []byte) (*Domain, error) {
	var d Domain
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("dialogue: parse domain: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the vocabulary for duplicates and builds lookup indices.
// It must be called before any index lookups; LoadDomain and ParseDomain
// call it automatically.
func (d *Domain) Validate() error {
	if len(d.Intents) == 0 {
		return fmt.Errorf("dialogue: domain has no intents")
	}
	var err error
	if d.intentIndex, err = buildIndex("intent", d.Intents); err != nil {
		return err
	}
	if d.actionIndex, err = buildIndex("action", d.Actions); err != nil {
		return err
	}
	if d.entityIndex, err = buildIndex("entity", d.Entities); err != nil {
		return err
	}
	names := make([]string, len(d.Slots))
	for i, s := range d.Slots {
		names[i] = s.Name
	}
	if d.slotIndex, err = buildIndex("slot", names); err != nil {
		return err
	}
	if d.formIndex, err = buildIndex("form", d.Forms); err != nil {
		return err
	}
	return nil
}

func buildIndex(kind string, names []string) (map[string]int, error) {
	idx := make(map[string]int, len(names))
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("dialogue: empty %s name at position %d", kind, i)
		}
		if _, dup := idx[n]; dup {
			return nil, fmt.Errorf("dialogue: duplicate %s %q", kind, n)
		}
		idx[n] = i
	}
	return idx, nil
}

// NumIntents returns the size of the label-id space.
func (d *Domain) NumIntents() int { return len(d.Intents) }

// IntentIndex returns the stable label id for an intent name.
func (d *Domain) IntentIndex(name string) (int, bool) {
	i, ok := d.intentIndex[name]
	return i, ok
}

// ActionIndex returns the index of an action name.
func (d *Domain) ActionIndex(name string) (int, bool) {
	i, ok := d.actionIndex[name]
	return i, ok
}

// EntityIndex returns the index of an entity name.
func (d *Domain) EntityIndex(name string) (int, bool) {
	i, ok := d.entityIndex[name]
	return i, ok
}

// SlotIndex returns the index of a slot name.
func (d *Domain) SlotIndex(name string) (int, bool) {
	i, ok := d.slotIndex[name]
	return i, ok
}

// FormIndex returns the index of a form name.
func (d *Domain) FormIndex(name string) (int, bool) {
	i, ok := d.formIndex[name]
	return i, ok
}
