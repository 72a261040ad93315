package timer

// TimeAveragedStats tracks a time-decaying weighted average of samples.
//
// Samples are added in batches. UpdateAverage folds the current batch into
// the aggregate, weighting the previous aggregate by the persistence factor
// and regressing toward the initial average by the regress weight.
type TimeAveragedStats struct {
	initAvg              float64
	regressWeight        float64
	persistenceFactor    float64
	batchTotalValue      float64
	batchNumSamples      float64
	aggregateTotalWeight float64
	aggregateWeightedAvg float64
}

// NewTimeAveragedStats returns stats seeded with initAvg.
func NewTimeAveragedStats(initAvg, regressWeight, persistenceFactor float64) TimeAveragedStats {
	return TimeAveragedStats{
		initAvg:              initAvg,
		regressWeight:        regressWeight,
		persistenceFactor:    persistenceFactor,
		aggregateWeightedAvg: initAvg,
	}
}

// AddSample adds a sample to the current batch.
func (x *TimeAveragedStats) AddSample(value float64) {
	x.batchTotalValue += value
	x.batchNumSamples++
}

// UpdateAverage completes the current batch and returns the new average.
func (x *TimeAveragedStats) UpdateAverage() float64 {
	weightedSum := x.batchTotalValue
	totalWeight := x.batchNumSamples
	if x.regressWeight > 0 {
		weightedSum += x.regressWeight * x.initAvg
		totalWeight += x.regressWeight
	}
	if x.persistenceFactor > 0 {
		prevSampleWeight := x.persistenceFactor * x.aggregateTotalWeight
		weightedSum += prevSampleWeight * x.aggregateWeightedAvg
		totalWeight += prevSampleWeight
	}
	if totalWeight > 0 {
		x.aggregateWeightedAvg = weightedSum / totalWeight
	} else {
		x.aggregateWeightedAvg = x.initAvg
	}
	x.aggregateTotalWeight = totalWeight
	x.batchNumSamples = 0
	x.batchTotalValue = 0
	return x.aggregateWeightedAvg
}

// Average returns the aggregate average as of the last UpdateAverage.
func (x *TimeAveragedStats) Average() float64 { return x.aggregateWeightedAvg }

// TotalWeight returns the aggregate weight as of the last UpdateAverage.
func (x *TimeAveragedStats) TotalWeight() float64 { return x.aggregateTotalWeight }
