package mat

import (
	"math"
	"sort"
)

// Param is a named trainable matrix. Names must be unique within a model;
// the solver keys its moment buffers by them and updates in sorted name
// order so that training is deterministic for a fixed seed.
type Param struct {
	Name string
	M    *Mat
}

// Adam implements the Adam optimizer with bias correction.
//
// Non-finite gradients are zeroed before the update and non-finite moment
// entries are reset, so one bad step cannot poison the whole run.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

// NewAdam creates an Adam solver with the usual defaults for the moment
// decay rates (0.9, 0.999) and epsilon 1e-8.
func NewAdam(lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[string][]float64),
		v:     make(map[string][]float64),
	}
}

// Step applies one Adam update to all params and zeroes their gradients.
func (a *Adam) Step(params []Param) {
	a.step++
	t := float64(a.step)
	lrT := a.LR * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))

	ordered := make([]Param, len(params))
	copy(ordered, params)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	for _, p := range ordered {
		w := p.M.W
		dw := p.M.DW
		mk, ok := a.m[p.Name]
		if !ok || len(mk) != len(w) {
			mk = make([]float64, len(w))
			a.m[p.Name] = mk
		}
		vk, ok := a.v[p.Name]
		if !ok || len(vk) != len(w) {
			vk = make([]float64, len(w))
			a.v[p.Name] = vk
		}
		for i := range w {
			grad := dw[i]
			if math.IsNaN(grad) || math.IsInf(grad, 0) {
				grad = 0
			}
			mk[i] = a.Beta1*mk[i] + (1-a.Beta1)*grad
			vk[i] = a.Beta2*vk[i] + (1-a.Beta2)*grad*grad
			if math.IsNaN(mk[i]) || math.IsInf(mk[i], 0) {
				mk[i] = 0
			}
			if math.IsNaN(vk[i]) || math.IsInf(vk[i], 0) {
				vk[i] = 0
			}
			w[i] -= lrT * mk[i] / (math.Sqrt(vk[i]) + a.Eps)
			dw[i] = 0
		}
	}
}
