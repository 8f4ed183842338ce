package strategy

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultGridStep is the spot spacing of DefaultSpotGrid.
const DefaultGridStep = 0.5

// SpotGrid returns low, low+step, ... up to but excluding high.
// It is empty when step is not positive or high <= low.
func SpotGrid(low, high, step float64) []float64 {
	if !(step > 0) || !(high > low) {
		return nil
	}
	n := int(math.Ceil((high-low)/step - 1e-6))
	out := make([]float64, n)
	for i := range out {
		out[i] = low + float64(i)*step
	}
	return out
}

// DefaultSpotGrid spans 75% to 135% of the mean strike in steps of 0.5.
func DefaultSpotGrid(strikes []float64) []float64 {
	if len(strikes) == 0 {
		return nil
	}
	mean := stat.Mean(strikes, nil)
	return SpotGrid(0.75*mean, 1.35*mean, DefaultGridStep)
}
