// Package scaler provides feature standardization for detector inputs.
package scaler

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotFitted is returned when transforming with an unfitted scaler.
	ErrNotFitted = errors.New("scaler not fitted")
	// ErrEmptyData is returned when fitting on no samples.
	ErrEmptyData = errors.New("no data provided")
)

// Standard standardizes each feature to zero mean and unit variance.
// Variance is the population variance of the fitted batch; constant
// features get a scale of 1 so they map to 0.
type Standard struct {
	Mean  []float64
	Scale []float64
}

// Fit computes per-column mean and standard deviation from data.
func Fit(data [][]float64) (*Standard, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}

	nFeatures := len(data[0])
	mean := make([]float64, nFeatures)
	for i, row := range data {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(data))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, nFeatures)
	for _, row := range data {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] < 1e-12 {
			scale[j] = 1
		}
	}

	return &Standard{Mean: mean, Scale: scale}, nil
}

// Transform returns a standardized copy of sample.
func (s *Standard) Transform(sample []float64) ([]float64, error) {
	if s == nil || len(s.Mean) == 0 {
		return nil, ErrNotFitted
	}
	if len(sample) != len(s.Mean) {
		return nil, fmt.Errorf("sample has %d features, scaler fitted on %d", len(sample), len(s.Mean))
	}

	out := make([]float64, len(sample))
	for j, v := range sample {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// TransformAll standardizes every row of data.
func (s *Standard) TransformAll(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}
