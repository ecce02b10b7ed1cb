package ted

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/dialogkit/ted/pkg/modeldata"
)

// Thresholds holds the minimum confidence per label id below which a
// prediction of that label is treated as out of distribution. Labels that
// never occurred during calibration have no entry and are always accepted.
type Thresholds map[int]float64

// Accept reports whether a prediction of label with the given confidence
// clears its calibrated threshold.
func (t Thresholds) Accept(label int, confidence float64) bool {
	th, ok := t[label]
	return !ok || confidence >= th
}

// Calibrate derives per-label thresholds from calibration data, usually the
// synthetic dialogue permutations the training pipeline generates. For
// every real timestep the confidence assigned to the true label is
// collected, and the threshold of a label is the configured quantile of
// its collected confidences.
//
// Calibration runs the model in evaluation mode only; it never updates
// weights, so calling it leaves predictions bit-identical.
func Calibrate(m *Model, data *modeldata.ModelData, quantile float64) (Thresholds, error) {
	if quantile < 0 || quantile > 1 {
		return nil, fmt.Errorf("ted: quantile %v out of range", quantile)
	}
	pred, err := m.Predict(data)
	if err != nil {
		return nil, err
	}
	arr := data.Get(LabelIDsKey())
	if arr == nil {
		return nil, fmt.Errorf("ted: calibration data misses %v", LabelIDsKey())
	}
	perLabel := map[int][]float64{}
	for i, conf := range pred.Confidences {
		for t, row := range conf {
			label := int(arr.Examples[i][t][0])
			perLabel[label] = append(perLabel[label], row[label])
		}
	}
	out := make(Thresholds, len(perLabel))
	for label, vals := range perLabel {
		sort.Float64s(vals)
		out[label] = stat.Quantile(quantile, stat.Empirical, vals, nil)
	}
	return out, nil
}
