package dialogue

// Attribute names used by the featurizers. The model groups its input
// layers by these names; they double as the sub-keys of the model data
// container.
const (
	AttrIntent     = "intent"
	AttrActionName = "action_name"
	AttrEntities   = "entities"
	AttrSlots      = "slots"
	AttrActiveForm = "active_form"
)

// FeatureType tags how a feature vector was produced. Sparse features are
// one-hot or multi-hot indicator vectors and get a learned dense projection
// in the model; dense features are passed through as-is.
type FeatureType string

const (
	Sparse FeatureType = "sparse"
	Dense  FeatureType = "dense"
)

// Granularity distinguishes token-sequence features from per-utterance
// (sentence) summaries. State featurization emits sentence granularity;
// the tag exists so upstream NLU features keep their identity when they
// pass through this container.
type Granularity string

const (
	Sequence Granularity = "sequence"
	Sentence Granularity = "sentence"
)

// Features is one tagged feature vector for a single attribute of a single
// dialogue state.
type Features struct {
	Attribute   string
	Type        FeatureType
	Granularity Granularity
	Values      []float64
}

// Bundle groups the features of one dialogue state by attribute.
// All bundles produced against the same domain have identical
// per-attribute dimensionality; that invariant is what allows the model
// data container to stack them.
type Bundle map[string][]Features
