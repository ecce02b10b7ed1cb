package modeldata

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Batch is a fixed slice of a container with every feature array padded to
// the longest sequence in the slice. True per-example lengths are tracked
// separately from the padded shape; padding rows are all-zero and must be
// masked out by the consumer.
type Batch struct {
	Size    int
	MaxLen  int
	Lengths []int
	Data    map[Key][][][]float64 // key → [Size][MaxLen][Dim]
}

// PrepareBatch pads examples [start, end) into a batch.
func (d *ModelData) PrepareBatch(start, end int) (*Batch, error) {
	n := d.NumExamples()
	if start < 0 || end > n || start >= end {
		return nil, fmt.Errorf("modeldata: batch range [%d,%d) invalid for %d examples", start, end, n)
	}
	ids := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		ids = append(ids, i)
	}
	return d.PrepareBatchIDs(ids)
}

// PrepareBatchIDs pads the chosen examples into a batch, in order.
func (d *ModelData) PrepareBatchIDs(ids []int) (*Batch, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("modeldata: empty batch")
	}
	lengths := d.Lengths()
	b := &Batch{
		Size:    len(ids),
		Lengths: make([]int, len(ids)),
		Data:    make(map[Key][][][]float64, len(d.order)),
	}
	for i, id := range ids {
		if id < 0 || id >= len(lengths) {
			return nil, fmt.Errorf("modeldata: example %d out of range", id)
		}
		b.Lengths[i] = lengths[id]
		if lengths[id] > b.MaxLen {
			b.MaxLen = lengths[id]
		}
	}
	for _, k := range d.order {
		src := d.arrays[k]
		padded := make([][][]float64, len(ids))
		for i, id := range ids {
			ex := src.Examples[id]
			rows := make([][]float64, b.MaxLen)
			for t := 0; t < b.MaxLen; t++ {
				if t < len(ex) {
					rows[t] = ex[t]
				} else {
					rows[t] = make([]float64, src.Dim) // zero padding sentinel
				}
			}
			padded[i] = rows
		}
		b.Data[k] = padded
	}
	return b, nil
}

// Strategy selects how examples are grouped into training batches.
type Strategy string

const (
	// StrategySequence keeps dataset order.
	StrategySequence Strategy = "sequence"
	// StrategyBalanced shuffles while keeping label classes spread evenly
	// across batches.
	StrategyBalanced Strategy = "balanced"
)

// BatchIndices splits n examples into index batches of the given size.
// For StrategyBalanced, labels (one representative label id per example)
// drive a stratified round-robin so each batch sees a mix of classes; for
// StrategySequence the order is untouched. The last batch may be short.
func BatchIndices(n, batchSize int, strategy Strategy, labels []int, rng *rand.Rand) [][]int {
	if batchSize <= 0 {
		batchSize = 1
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	if strategy == StrategyBalanced && len(labels) == n {
		byLabel := map[int][]int{}
		for i, l := range labels {
			byLabel[l] = append(byLabel[l], i)
		}
		classes := make([]int, 0, len(byLabel))
		for l := range byLabel {
			classes = append(classes, l)
		}
		sort.Ints(classes)
		for _, l := range classes {
			ids := byLabel[l]
			rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		}
		// Round-robin across classes so every batch mixes labels.
		order = order[:0]
		for added := true; added; {
			added = false
			for _, l := range classes {
				if len(byLabel[l]) > 0 {
					order = append(order, byLabel[l][0])
					byLabel[l] = byLabel[l][1:]
					added = true
				}
			}
		}
	}

	var batches [][]int
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		batches = append(batches, order[start:end])
	}
	return batches
}

// LinearBatchSize interpolates the batch size for an epoch between lo
// (first epoch) and hi (last epoch). With a single epoch it returns lo.
func LinearBatchSize(epoch, epochs, lo, hi int) int {
	if epochs <= 1 || hi <= lo {
		return lo
	}
	return lo + (hi-lo)*epoch/(epochs-1)
}
