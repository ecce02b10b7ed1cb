package ted

import (
	"fmt"
	"sort"

	"github.com/dialogkit/ted/pkg/dialogue"
	"github.com/dialogkit/ted/pkg/modeldata"
)

// assembleModelData stacks featurized examples into a model data container.
// Attribute features land under (group, attribute); label ids, when
// requested, land under the label id key. The attribute set and per-attribute
// width are fixed by the first timestep of the first example; a state
// missing an attribute contributes a zero vector of that width.
func assembleModelData(feats []*dialogue.TrackerFeatures, group string, withLabels bool) (*modeldata.ModelData, error) {
	data := modeldata.New()
	if len(feats) == 0 {
		return data, nil
	}
	for _, ex := range feats {
		if len(ex.States) == 0 {
			return nil, fmt.Errorf("ted: tracker %q featurized to zero timesteps", ex.TrackerID)
		}
	}

	type attrSpec struct {
		dim    int
		sparse bool
	}
	specs := map[string]attrSpec{}
	var attrs []string
	for attr, fs := range feats[0].States[0] {
		dim := 0
		sparse := true
		for _, f := range fs {
			dim += len(f.Values)
			if f.Type == dialogue.Dense {
				sparse = false
			}
		}
		specs[attr] = attrSpec{dim: dim, sparse: sparse}
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	for _, attr := range attrs {
		spec := specs[attr]
		arr := &modeldata.FeatureArray{Dim: spec.dim, Sparse: spec.sparse}
		for _, ex := range feats {
			steps := make([][]float64, len(ex.States))
			for t, bundle := range ex.States {
				vec := make([]float64, 0, spec.dim)
				for _, f := range bundle[attr] {
					vec = append(vec, f.Values...)
				}
				if len(vec) == 0 {
					vec = make([]float64, spec.dim)
				} else if len(vec) != spec.dim {
					return nil, fmt.Errorf("ted: attribute %q has width %d at timestep %d, want %d",
						attr, len(vec), t, spec.dim)
				}
				steps[t] = vec
			}
			arr.Examples = append(arr.Examples, steps)
		}
		if err := data.Add(modeldata.Key{Group: group, Sub: attr}, arr); err != nil {
			return nil, err
		}
	}

	if withLabels {
		arr := &modeldata.FeatureArray{Dim: 1, Sparse: false}
		for _, ex := range feats {
			steps := make([][]float64, len(ex.LabelIDs))
			for t, id := range ex.LabelIDs {
				steps[t] = []float64{float64(id)}
			}
			arr.Examples = append(arr.Examples, steps)
		}
		if err := data.Add(LabelIDsKey(), arr); err != nil {
			return nil, err
		}
	}
	return data, nil
}
