// Package iforest implements the Isolation Forest algorithm for outlier detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hed1ad/aidguard/pkg/detectors"
)

var (
	// ErrEmptyData is returned when Fit receives no samples.
	ErrEmptyData = errors.New("empty training data")
	// ErrNotTrained is returned when scoring an unfitted forest.
	ErrNotTrained = errors.New("model not trained")
)

const eulerGamma = 0.5772156649

// defaultMaxSamples caps the per-tree subsample size.
const defaultMaxSamples = 256

// IsolationForest implements unsupervised outlier detection using isolation trees.
//
// Scores follow the usual convention: the raw anomaly score of a sample is
// 2^(-E[h(x)]/c(psi)), the decision value is the negated score shifted by an
// offset chosen so that the contamination share of training samples falls
// below zero.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	maxSamples    int
	contamination float64
	rng           *rand.Rand

	// Trained model
	trees      []*iTree
	sampleSize int
	offset     float64
	trained    bool
}

// iTree represents a single isolation tree.
type iTree struct {
	Root *node
}

// node is a node in the isolation tree. Fields are exported for gob.
type node struct {
	// Split parameters (for internal nodes)
	Feature int
	Split   float64

	Left  *node
	Right *node

	// Size is the number of samples that reached this leaf.
	Size int
}

func (n *node) leaf() bool {
	return n.Left == nil && n.Right == nil
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithMaxSamples sets the upper bound of the subsample size for each tree.
func WithMaxSamples(n int) Option {
	return func(f *IsolationForest) {
		f.maxSamples = n
	}
}

// WithContamination sets the expected proportion of anomalies.
// A non-positive value uses the fixed offset of -0.5.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// WithConfig applies a shared detector configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(f *IsolationForest) {
		if cfg.Trees > 0 {
			f.nTrees = cfg.Trees
		}
		f.contamination = cfg.Contamination
		f.rng = rand.New(rand.NewSource(cfg.RandomSeed))
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		maxSamples:    defaultMaxSamples,
		contamination: 0.1,
		rng:           rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fit trains the Isolation Forest on the provided data.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return ErrEmptyData
	}

	nSamples := len(data)
	nFeatures := len(data[0])

	sampleSize := min(f.maxSamples, nSamples)
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	f.trees = make([]*iTree, f.nTrees)
	for i := range f.trees {
		// Sample without replacement
		indices := f.rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		f.trees[i] = &iTree{Root: f.buildNode(sample, nFeatures, 0, maxDepth)}
	}

	f.sampleSize = sampleSize
	f.trained = true

	if f.contamination > 0 {
		scores := make([]float64, nSamples)
		for i, row := range data {
			scores[i] = -f.rawScore(row)
		}
		f.offset = percentile(scores, 100*f.contamination)
	} else {
		f.offset = -0.5
	}

	return nil
}

func (f *IsolationForest) buildNode(data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	if depth >= maxDepth || n <= 1 {
		return &node{Size: n}
	}

	// Draw features in random order until one can be split.
	for _, feature := range f.rng.Perm(nFeatures) {
		minVal, maxVal := data[0][feature], data[0][feature]
		for _, row := range data[1:] {
			minVal = min(minVal, row[feature])
			maxVal = max(maxVal, row[feature])
		}
		if minVal == maxVal {
			continue
		}

		splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

		var leftData, rightData [][]float64
		for _, row := range data {
			if row[feature] < splitValue {
				leftData = append(leftData, row)
			} else {
				rightData = append(rightData, row)
			}
		}

		return &node{
			Feature: feature,
			Split:   splitValue,
			Left:    f.buildNode(leftData, nFeatures, depth+1, maxDepth),
			Right:   f.buildNode(rightData, nFeatures, depth+1, maxDepth),
		}
	}

	// All features constant.
	return &node{Size: n}
}

// DecisionFunction returns shifted anomaly scores for the given samples.
func (f *IsolationForest) DecisionFunction(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}

	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.decision(sample)
	}
	return scores, nil
}

// DecisionOne returns the shifted anomaly score for a single sample.
func (f *IsolationForest) DecisionOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, ErrNotTrained
	}
	return f.decision(sample), nil
}

// PredictOne classifies a single sample as inlier or outlier.
func (f *IsolationForest) PredictOne(sample []float64) (detectors.Label, error) {
	d, err := f.DecisionOne(sample)
	if err != nil {
		return 0, err
	}
	return labelFor(d), nil
}

// Evaluate returns the decision value and label for one sample in a single pass.
func (f *IsolationForest) Evaluate(sample []float64) (detectors.Score, error) {
	d, err := f.DecisionOne(sample)
	if err != nil {
		return detectors.Score{}, err
	}
	return detectors.Score{Value: d, Label: labelFor(d), Features: sample}, nil
}

func labelFor(decision float64) detectors.Label {
	if decision < 0 {
		return detectors.Outlier
	}
	return detectors.Inlier
}

func (f *IsolationForest) decision(sample []float64) float64 {
	return -f.rawScore(sample) - f.offset
}

// rawScore returns 2^(-E[h(x)]/c(psi)). Higher is more anomalous.
func (f *IsolationForest) rawScore(sample []float64) float64 {
	var totalPath float64
	for _, tree := range f.trees {
		totalPath += pathLength(sample, tree.Root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	norm := averagePathLength(float64(f.sampleSize))
	if norm == 0 {
		norm = 1
	}
	return math.Pow(2, -avgPath/norm)
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.leaf() {
		// Leaf node: add expected path length for remaining isolation
		return float64(currentDepth) + averagePathLength(float64(n.Size))
	}

	if sample[n.Feature] < n.Split {
		return pathLength(sample, n.Left, currentDepth+1)
	}
	return pathLength(sample, n.Right, currentDepth+1)
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, H(i) ~ ln(i) + Euler-Mascheroni
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// Offset returns the decision offset derived from contamination.
func (f *IsolationForest) Offset() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.offset
}

// Trained reports whether Fit or Load has completed.
func (f *IsolationForest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.trained
}

type snapshot struct {
	Trees         []*iTree
	NTrees        int
	MaxSamples    int
	SampleSize    int
	Contamination float64
	Offset        float64
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		Trees:         f.trees,
		NTrees:        f.nTrees,
		MaxSamples:    f.maxSamples,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Offset:        f.offset,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if len(s.Trees) == 0 {
		return errors.New("snapshot has no trees")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.trees = s.Trees
	f.nTrees = s.NTrees
	f.maxSamples = s.MaxSamples
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.offset = s.Offset
	f.trained = true

	return nil
}

// percentile returns the p-th percentile of data using linear interpolation
// between closest ranks.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := slices.Clone(data)
	slices.Sort(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

var _ detectors.Detector = (*IsolationForest)(nil)
