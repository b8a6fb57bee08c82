// Package detectors provides unsupervised outlier detection models.
package detectors

// Label is the hard classification a detector assigns to a sample.
type Label int

const (
	// Outlier marks a sample the model considers anomalous.
	Outlier Label = -1
	// Inlier marks a sample the model considers normal.
	Inlier Label = 1
)

// String returns the label name.
func (l Label) String() string {
	if l == Outlier {
		return "outlier"
	}
	return "inlier"
}

// Detector is the common interface for outlier detection models.
type Detector interface {
	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// DecisionFunction returns the shifted anomaly score of each sample.
	// Negative values are outliers, positive values are inliers.
	DecisionFunction(data [][]float64) ([]float64, error)

	// DecisionOne returns the shifted anomaly score for a single sample.
	DecisionOne(sample []float64) (float64, error)

	// PredictOne classifies a single sample.
	PredictOne(sample []float64) (Label, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Score represents an outlier detection result.
type Score struct {
	// Value is the raw decision value. Negative means outlier.
	Value float64
	// Label is the hard classification.
	Label Label
	// Features contains the input features the score was computed from.
	Features []float64
}

// IsAnomaly reports whether the score was classified as an outlier.
func (s Score) IsAnomaly() bool {
	return s.Label == Outlier
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64
	// Trees is the number of estimators in ensemble detectors.
	Trees int
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns the configuration used for shipment scoring.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.1,
		Trees:         100,
		RandomSeed:    42,
	}
}
