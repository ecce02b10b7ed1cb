// Package modeldata implements the keyed feature container that sits
// between featurization and the neural model: ragged per-example feature
// arrays grouped by (group, sub-key), with signature extraction for model
// construction and padded batch preparation for training and inference.
//
// The container is generic over keys; the policy layer decides what the
// groups mean (dialogue attributes, label features, label ids).
package modeldata

import (
	"fmt"
	"sort"
)

// Key addresses one feature array in the container, e.g.
// {Group: "dialogue", Sub: "intent"} or {Group: "label", Sub: "ids"}.
type Key struct {
	Group string `msgpack:"group" yaml:"group"`
	Sub   string `msgpack:"sub" yaml:"sub"`
}

func (k Key) String() string { return k.Group + "." + k.Sub }

// FeatureArray holds one feature matrix per example. Example e has shape
// [T_e][Dim] where T_e is that example's sequence length; all arrays in the
// same container must agree on T_e per example.
type FeatureArray struct {
	Dim      int           `msgpack:"dim"`
	Sparse   bool          `msgpack:"sparse"`
	Examples [][][]float64 `msgpack:"examples"`
}

// Spec describes the shape and kind of one feature array, enough to build
// the model layers that will consume it.
type Spec struct {
	Dim    int  `msgpack:"dim" yaml:"dim"`
	Sparse bool `msgpack:"sparse" yaml:"sparse"`
}

// Signature maps every key of a container to its spec. Two containers with
// equal signatures are interchangeable as model inputs.
type Signature map[Key]Spec

// Equal reports whether two signatures describe identical tensors.
func (s Signature) Equal(other Signature) bool {
	if len(s) != len(other) {
		return false
	}
	for k, spec := range s {
		o, ok := other[k]
		if !ok || o != spec {
			return false
		}
	}
	return true
}

// Diff returns a human-readable description of the first mismatch between
// two signatures, or "" if they are equal.
func (s Signature) Diff(other Signature) string {
	keys := map[Key]bool{}
	for k := range s {
		keys[k] = true
	}
	for k := range other {
		keys[k] = true
	}
	ordered := make([]Key, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })
	for _, k := range ordered {
		a, okA := s[k]
		b, okB := other[k]
		switch {
		case !okA:
			return fmt.Sprintf("unexpected key %s", k)
		case !okB:
			return fmt.Sprintf("missing key %s", k)
		case a != b:
			return fmt.Sprintf("key %s: dim %d/sparse %v vs dim %d/sparse %v", k, a.Dim, a.Sparse, b.Dim, b.Sparse)
		}
	}
	return ""
}

// ModelData is the mutable container. Keys keep insertion order so that
// iteration (and therefore model construction and training) is
// deterministic.
type ModelData struct {
	order  []Key
	arrays map[Key]*FeatureArray
}

// New creates an empty container.
func New() *ModelData {
	return &ModelData{arrays: make(map[Key]*FeatureArray)}
}

// Add inserts a feature array. Every array in a container must have the
// same number of examples, and within each example the same sequence
// length across keys.
func (d *ModelData) Add(key Key, arr *FeatureArray) error {
	if _, dup := d.arrays[key]; dup {
		return fmt.Errorf("modeldata: duplicate key %s", key)
	}
	for e, ex := range arr.Examples {
		for t, row := range ex {
			if len(row) != arr.Dim {
				return fmt.Errorf("modeldata: %s example %d timestep %d has dim %d, want %d",
					key, e, t, len(row), arr.Dim)
			}
		}
	}
	if len(d.order) > 0 {
		first := d.arrays[d.order[0]]
		if len(arr.Examples) != len(first.Examples) {
			return fmt.Errorf("modeldata: %s has %d examples, container has %d",
				key, len(arr.Examples), len(first.Examples))
		}
		for e := range arr.Examples {
			if len(arr.Examples[e]) != len(first.Examples[e]) {
				return fmt.Errorf("modeldata: %s example %d length %d, container has %d",
					key, e, len(arr.Examples[e]), len(first.Examples[e]))
			}
		}
	}
	d.order = append(d.order, key)
	d.arrays[key] = arr
	return nil
}

// Get returns the array for key, or nil.
func (d *ModelData) Get(key Key) *FeatureArray { return d.arrays[key] }

// Keys returns the keys in insertion order.
func (d *ModelData) Keys() []Key {
	out := make([]Key, len(d.order))
	copy(out, d.order)
	return out
}

// NumExamples returns the number of examples in the container.
func (d *ModelData) NumExamples() int {
	if len(d.order) == 0 {
		return 0
	}
	return len(d.arrays[d.order[0]].Examples)
}

// IsEmpty reports whether the container holds no examples.
func (d *ModelData) IsEmpty() bool { return d.NumExamples() == 0 }

// Lengths returns the sequence length of every example.
func (d *ModelData) Lengths() []int {
	if len(d.order) == 0 {
		return nil
	}
	first := d.arrays[d.order[0]]
	out := make([]int, len(first.Examples))
	for e, ex := range first.Examples {
		out[e] = len(ex)
	}
	return out
}

// Signature extracts the shape/kind description of the container.
func (d *ModelData) Signature() Signature {
	sig := make(Signature, len(d.order))
	for _, k := range d.order {
		arr := d.arrays[k]
		sig[k] = Spec{Dim: arr.Dim, Sparse: arr.Sparse}
	}
	return sig
}

// FirstDataExample returns a container holding only example 0, used as the
// persisted schema witness for load-time graph reconstruction.
func (d *ModelData) FirstDataExample() *ModelData {
	if d.IsEmpty() {
		return New()
	}
	return d.Gather([]int{0})
}

// Gather returns a new container holding the chosen examples, in order.
// Example data is shared, not copied.
func (d *ModelData) Gather(ids []int) *ModelData {
	out := New()
	for _, k := range d.order {
		src := d.arrays[k]
		examples := make([][][]float64, len(ids))
		for i, id := range ids {
			examples[i] = src.Examples[id]
		}
		// Add cannot fail here: shapes were validated on first insertion.
		if err := out.Add(k, &FeatureArray{Dim: src.Dim, Sparse: src.Sparse, Examples: examples}); err != nil {
			panic(err)
		}
	}
	return out
}

// Filter returns a container with only the keys accepted by keep.
func (d *ModelData) Filter(keep func(Key) bool) *ModelData {
	out := New()
	for _, k := range d.order {
		if !keep(k) {
			continue
		}
		src := d.arrays[k]
		if err := out.Add(k, src); err != nil {
			panic(err)
		}
	}
	return out
}

// Serialized is the persistence form of a container: parallel key/array
// slices in insertion order, msgpack-friendly.
type Serialized struct {
	Keys   []Key           `msgpack:"keys"`
	Arrays []*FeatureArray `msgpack:"arrays"`
}

// Export converts the container to its persistence form.
func (d *ModelData) Export() *Serialized {
	s := &Serialized{}
	for _, k := range d.order {
		s.Keys = append(s.Keys, k)
		s.Arrays = append(s.Arrays, d.arrays[k])
	}
	return s
}

// Import rebuilds a container from its persistence form.
func Import(s *Serialized) (*ModelData, error) {
	if len(s.Keys) != len(s.Arrays) {
		return nil, fmt.Errorf("modeldata: corrupt serialized container: %d keys, %d arrays",
			len(s.Keys), len(s.Arrays))
	}
	d := New()
	for i, k := range s.Keys {
		if err := d.Add(k, s.Arrays[i]); err != nil {
			return nil, err
		}
	}
	return d, nil
}
