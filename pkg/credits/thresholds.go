package credits

import "fmt"

// ThresholdList is a fixed, strictly descending list of low-balance
// trip-wires. The descending order is what makes "first match" select the
// highest crossed threshold, so the constructor enforces it rather than
// trusting configuration order.
type ThresholdList struct {
	values []int64
}

// NewThresholdList validates and wraps a descending threshold list.
func NewThresholdList(values []int64) (ThresholdList, error) {
	if len(values) == 0 {
		return ThresholdList{}, fmt.Errorf("%w: at least one threshold is required", ErrInvalidThresholds)
	}
	for index, value := range values {
		if value < 0 {
			return ThresholdList{}, fmt.Errorf("%w: threshold %d is negative", ErrInvalidThresholds, value)
		}
		if index > 0 && value >= values[index-1] {
			return ThresholdList{}, fmt.Errorf("%w: thresholds must be strictly descending", ErrInvalidThresholds)
		}
	}
	copied := make([]int64, len(values))
	copy(copied, values)
	return ThresholdList{values: copied}, nil
}

// Values returns a copy of the configured thresholds.
func (list ThresholdList) Values() []int64 {
	copied := make([]int64, len(list.values))
	copy(copied, list.values)
	return copied
}

// Crossed reports the highest threshold t with before > t >= after. At most
// one threshold is reported per transition even when a large deduction
// crosses several.
func (list ThresholdList) Crossed(before int64, after int64) (int64, bool) {
	for _, threshold := range list.values {
		if before > threshold && threshold >= after {
			return threshold, true
		}
	}
	return 0, false
}
