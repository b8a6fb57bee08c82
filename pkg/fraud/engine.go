// Package fraud scores food-aid shipments for signs of fraud.
//
// An Engine starts untrained and scores with fixed heuristics. After Train
// has seen at least two shipments it switches to an Isolation Forest fitted
// on standardized feature vectors. There is no way back to the untrained
// state; a later Train replaces the fit.
package fraud

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hed1ad/aidguard/pkg/detectors"
	"github.com/hed1ad/aidguard/pkg/detectors/iforest"
	"github.com/hed1ad/aidguard/pkg/detectors/scaler"
	"github.com/hed1ad/aidguard/pkg/features"
	"github.com/hed1ad/aidguard/pkg/shipment"
)

var (
	// ErrNilShipment is returned when Score is called without a shipment.
	ErrNilShipment = errors.New("fraud: nil shipment")
	// ErrUntrained is returned when snapshotting an engine with no model.
	ErrUntrained = errors.New("fraud: engine not trained")
)

// MinTrainingSamples is the smallest batch Train will fit a model on.
const MinTrainingSamples = 2

// modelState is either untrained or trained.
type modelState interface {
	mode() Mode
}

type untrained struct{}

func (untrained) mode() Mode { return ModeHeuristic }

type trained struct {
	scaler    *scaler.Standard
	forest    *iforest.IsolationForest
	samples   int
	trainedAt time.Time
}

func (*trained) mode() Mode { return ModeModel }

// Observer receives scoring and training outcomes, e.g. for metrics.
type Observer interface {
	ObserveScore(v Verdict)
	ObserveTraining(fitted bool, samples int)
}

// Engine owns the feature extractor and model state. It is safe for
// concurrent use; Train fits into fresh objects and swaps them in, so
// scoring never sees a partial fit.
type Engine struct {
	mu    sync.RWMutex
	state modelState

	// training serializes Train calls.
	training sync.Mutex

	extractor *features.Extractor
	config    detectors.Config
	observer  Observer
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the reference clock for shipment age.
func WithClock(now features.Clock) Option {
	return func(e *Engine) {
		e.extractor = features.NewExtractor(now)
	}
}

// WithDetectorConfig overrides the Isolation Forest configuration.
func WithDetectorConfig(cfg detectors.Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// WithObserver registers an observer for scores and trainings.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an untrained Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		state:     untrained{},
		extractor: features.NewExtractor(nil),
		config:    detectors.DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) current() modelState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Mode reports which scoring path Score will take.
func (e *Engine) Mode() Mode {
	return e.current().mode()
}

// Score rates a shipment given its scans, which may be in any order.
// Neither argument is modified.
func (e *Engine) Score(s *shipment.Shipment, scans []shipment.ScanEvent) (Verdict, error) {
	if s == nil {
		return Verdict{}, ErrNilShipment
	}

	var v Verdict
	switch st := e.current().(type) {
	case *trained:
		var err error
		v, err = e.scoreModel(st, shipment.History{Shipment: *s, Scans: scans})
		if err != nil {
			return Verdict{}, err
		}
	default:
		v = heuristic(s, len(scans), e.extractor.Now())
	}

	if e.observer != nil {
		e.observer.ObserveScore(v)
	}
	return v, nil
}

// ScoreHistory is Score for a shipment.History.
func (e *Engine) ScoreHistory(h shipment.History) (Verdict, error) {
	return e.Score(&h.Shipment, h.Scans)
}

func (e *Engine) scoreModel(st *trained, h shipment.History) (Verdict, error) {
	x := e.extractor.Extract(h)

	scaled, err := st.scaler.Transform(x.Slice())
	if err != nil {
		return Verdict{}, fmt.Errorf("scale features: %w", err)
	}

	result, err := st.forest.Evaluate(scaled)
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluate model: %w", err)
	}

	p := Probability(result.Value)
	return Verdict{
		Score:   p,
		IsFraud: result.IsAnomaly(),
		Reason:  ReasonFor(p),
		Mode:    ModeModel,
	}, nil
}

// Train fits a model on histories. With fewer than MinTrainingSamples
// histories it does nothing and reports false; the previous state, trained
// or not, is kept.
func (e *Engine) Train(histories []shipment.History) (bool, error) {
	e.training.Lock()
	defer e.training.Unlock()

	if len(histories) < MinTrainingSamples {
		e.logger.Debug("skipping model training, not enough shipments",
			slog.Int("samples", len(histories)),
		)
		if e.observer != nil {
			e.observer.ObserveTraining(false, len(histories))
		}
		return false, nil
	}

	now := e.extractor.Now()
	data := make([][]float64, len(histories))
	for i, h := range histories {
		data[i] = features.ExtractAt(h, now).Slice()
	}

	sc, err := scaler.Fit(data)
	if err != nil {
		return false, fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := sc.TransformAll(data)
	if err != nil {
		return false, fmt.Errorf("scale training data: %w", err)
	}

	forest := iforest.New(iforest.WithConfig(e.config))
	if err := forest.Fit(scaled); err != nil {
		return false, fmt.Errorf("fit isolation forest: %w", err)
	}

	e.mu.Lock()
	e.state = &trained{
		scaler:    sc,
		forest:    forest,
		samples:   len(histories),
		trainedAt: now,
	}
	e.mu.Unlock()

	e.logger.Info("fraud model trained",
		slog.Int("samples", len(histories)),
		slog.Float64("offset", forest.Offset()),
	)
	if e.observer != nil {
		e.observer.ObserveTraining(true, len(histories))
	}
	return true, nil
}

// Status describes the engine's model state.
type Status struct {
	Mode      Mode       `json:"mode"`
	Samples   int        `json:"samples,omitempty"`
	TrainedAt *time.Time `json:"trained_at,omitempty"`
	Features  []string   `json:"features"`
}

// Status returns the current model state.
func (e *Engine) Status() Status {
	s := Status{Mode: ModeHeuristic, Features: features.Names()}
	if st, ok := e.current().(*trained); ok {
		at := st.trainedAt
		s.Mode = ModeModel
		s.Samples = st.samples
		s.TrainedAt = &at
	}
	return s
}

// Scored is a verdict tagged with the shipment it belongs to.
type Scored struct {
	ShipmentID int64
	Verdict    Verdict
	Err        error
}

// ScoreStream scores histories from input until it is closed or ctx is done.
func (e *Engine) ScoreStream(ctx context.Context, input <-chan shipment.History, output chan<- Scored) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h, ok := <-input:
			if !ok {
				return nil
			}

			v, err := e.ScoreHistory(h)
			select {
			case output <- Scored{ShipmentID: h.Shipment.ID, Verdict: v, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type snapshot struct {
	Mean      []float64
	Scale     []float64
	Forest    []byte
	Samples   int
	TrainedAt time.Time
}

// Snapshot serializes the trained model.
func (e *Engine) Snapshot() ([]byte, error) {
	st, ok := e.current().(*trained)
	if !ok {
		return nil, ErrUntrained
	}

	forest, err := st.forest.Save()
	if err != nil {
		return nil, fmt.Errorf("save forest: %w", err)
	}

	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(snapshot{
		Mean:      st.scaler.Mean,
		Scale:     st.scaler.Scale,
		Forest:    forest,
		Samples:   st.samples,
		TrainedAt: st.trainedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the model with one produced by Snapshot.
func (e *Engine) Restore(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if len(s.Mean) != features.Size || len(s.Scale) != features.Size {
		return fmt.Errorf("snapshot has %d features, want %d", len(s.Mean), features.Size)
	}

	forest := iforest.New()
	if err := forest.Load(s.Forest); err != nil {
		return fmt.Errorf("load forest: %w", err)
	}

	e.training.Lock()
	defer e.training.Unlock()

	e.mu.Lock()
	e.state = &trained{
		scaler:    &scaler.Standard{Mean: s.Mean, Scale: s.Scale},
		forest:    forest,
		samples:   s.Samples,
		trainedAt: s.TrainedAt,
	}
	e.mu.Unlock()

	return nil
}
