package mat

import "fmt"

// Relative position ops for attention with learned relative embeddings.
//
// Both ops index an embedding table of shape (2*maxRel+1) × d, where row
// maxRel is distance zero, rows below are negative distances (key before
// query) and rows above are positive. Distances are clipped to ±maxRel.

// relIndex maps a (query, key) position pair to an embedding row.
func relIndex(q, k, maxRel int) int {
	d := k - q
	if d < -maxRel {
		d = -maxRel
	}
	if d > maxRel {
		d = maxRel
	}
	return d + maxRel
}

// RelativeKeyScores computes the additive relative-key attention term:
// out[q,k] = query[q] · rel[relIndex(q,k)], for query T×d and rel (2R+1)×d.
// Gradients flow into both the query and the embedding table.
func (g *Graph) RelativeKeyScores(query, rel *Mat, maxRel int) *Mat {
	if rel.Rows != 2*maxRel+1 || rel.Cols != query.Cols {
		panic(fmt.Sprintf("mat: RelativeKeyScores table %dx%d for d=%d maxRel=%d",
			rel.Rows, rel.Cols, query.Cols, maxRel))
	}
	t, d := query.Rows, query.Cols
	out := New(t, t)
	for q := 0; q < t; q++ {
		for k := 0; k < t; k++ {
			ri := relIndex(q, k, maxRel)
			dot := 0.0
			for c := 0; c < d; c++ {
				dot += query.W[q*d+c] * rel.W[ri*d+c]
			}
			out.W[q*t+k] = dot
		}
	}
	g.push(func() {
		for q := 0; q < t; q++ {
			for k := 0; k < t; k++ {
				dv := out.DW[q*t+k]
				if dv == 0 {
					continue
				}
				ri := relIndex(q, k, maxRel)
				for c := 0; c < d; c++ {
					query.DW[q*d+c] += rel.W[ri*d+c] * dv
					rel.DW[ri*d+c] += query.W[q*d+c] * dv
				}
			}
		}
	})
	return out
}

// RelativeValueCombine computes the relative-value attention contribution:
// out[q] = Σ_k attn[q,k] · rel[relIndex(q,k)], for attn T×T and rel (2R+1)×d.
func (g *Graph) RelativeValueCombine(attn, rel *Mat, maxRel int) *Mat {
	if rel.Rows != 2*maxRel+1 {
		panic(fmt.Sprintf("mat: RelativeValueCombine table has %d rows, want %d", rel.Rows, 2*maxRel+1))
	}
	if attn.Rows != attn.Cols {
		panic("mat: RelativeValueCombine wants square attention")
	}
	t, d := attn.Rows, rel.Cols
	out := New(t, d)
	for q := 0; q < t; q++ {
		for k := 0; k < t; k++ {
			a := attn.W[q*t+k]
			if a == 0 {
				continue
			}
			ri := relIndex(q, k, maxRel)
			for c := 0; c < d; c++ {
				out.W[q*d+c] += a * rel.W[ri*d+c]
			}
		}
	}
	g.push(func() {
		for q := 0; q < t; q++ {
			for k := 0; k < t; k++ {
				ri := relIndex(q, k, maxRel)
				grad := 0.0
				for c := 0; c < d; c++ {
					grad += rel.W[ri*d+c] * out.DW[q*d+c]
					rel.DW[ri*d+c] += attn.W[q*t+k] * out.DW[q*d+c]
				}
				attn.DW[q*t+k] += grad
			}
		}
	})
	return out
}
