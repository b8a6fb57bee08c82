package fraud

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/aidguard/pkg/shipment"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

func ptr[T any](v T) *T { return &v }

func newTestEngine(opts ...Option) *Engine {
	return New(append([]Option{WithClock(fixedClock)}, opts...)...)
}

func ship(id int64, status string, age time.Duration) *shipment.Shipment {
	created := now.Add(-age)
	return &shipment.Shipment{ID: id, Status: status, CreatedAt: &created}
}

func scansEvery(shipmentID int64, n int, start time.Time, step time.Duration, lat, lon float64) []shipment.ScanEvent {
	scans := make([]shipment.ScanEvent, n)
	for i := range scans {
		scans[i] = shipment.ScanEvent{
			ID:         int64(i + 1),
			ShipmentID: shipmentID,
			ScannedAt:  start.Add(time.Duration(i) * step),
			Latitude:   ptr(lat + float64(i)*0.001),
			Longitude:  ptr(lon + float64(i)*0.001),
			Status:     shipment.StatusInTransit,
		}
	}
	return scans
}

// normalHistories builds a reproducible batch of ordinary shipments:
// a day or two old, a handful of hourly scans along a short route.
func normalHistories(n int) []shipment.History {
	rng := rand.New(rand.NewSource(3))
	hs := make([]shipment.History, n)
	for i := range hs {
		id := int64(i + 1)
		age := 36*time.Hour + time.Duration(rng.NormFloat64()*6*float64(time.Hour))
		step := time.Hour + time.Duration(rng.NormFloat64()*10*float64(time.Minute))
		count := 4 + rng.Intn(3) - 1
		s := ship(id, shipment.StatusInTransit, age)
		scans := scansEvery(id, count, now.Add(-age), step, 9.0+rng.NormFloat64()*0.01, 38.7)
		hs[i] = shipment.History{Shipment: *s, Scans: scans}
	}
	return hs
}

func TestHeuristicScenarios(t *testing.T) {
	e := newTestEngine()

	t.Run("old delayed shipment without scans", func(t *testing.T) {
		v, err := e.Score(ship(1, "delayed", 40*24*time.Hour), nil)
		require.NoError(t, err)

		assert.InDelta(t, 0.9, v.Score, 1e-9)
		assert.True(t, v.IsFraud)
		assert.Contains(t, v.Reason, ReasonOldShipment)
		assert.Contains(t, v.Reason, ReasonStatus)
		assert.Contains(t, v.Reason, ReasonNoScans)
		assert.Equal(t, ModeHeuristic, v.Mode)
	})

	t.Run("fresh delivered shipment with tight scans", func(t *testing.T) {
		s := ship(2, "delivered", time.Hour)
		v, err := e.Score(s, scansEvery(2, 3, now.Add(-10*time.Minute), 2*time.Minute, 9.03, 38.74))
		require.NoError(t, err)

		assert.Equal(t, 0.0, v.Score)
		assert.False(t, v.IsFraud)
		assert.Equal(t, ReasonNone, v.Reason)
	})

	t.Run("too many scans", func(t *testing.T) {
		s := ship(3, "in transit", time.Hour)
		v, err := e.Score(s, scansEvery(3, 12, now.Add(-time.Hour), time.Minute, 0, 0))
		require.NoError(t, err)

		assert.InDelta(t, 0.3, v.Score, 1e-9)
		assert.False(t, v.IsFraud)
		assert.Equal(t, ReasonTooManyScans, v.Reason)
	})

	t.Run("status match ignores case", func(t *testing.T) {
		v, err := e.Score(ship(4, "  MISSING ", time.Hour), scansEvery(4, 1, now, 0, 0, 0))
		require.NoError(t, err)

		assert.InDelta(t, 0.4, v.Score, 1e-9)
		assert.Equal(t, ReasonStatus, v.Reason)
	})

	t.Run("unknown creation time is not old", func(t *testing.T) {
		v, err := e.Score(&shipment.Shipment{ID: 5, Status: "dispatched"}, scansEvery(5, 2, now, time.Minute, 0, 0))
		require.NoError(t, err)
		assert.Equal(t, ReasonNone, v.Reason)
	})
}

func TestHeuristicThreshold(t *testing.T) {
	e := newTestEngine()
	oneScan := scansEvery(1, 1, now, 0, 0, 0)
	manyScans := scansEvery(1, 11, now, time.Minute, 0, 0)
	old := 31 * 24 * time.Hour

	tests := []struct {
		name      string
		shipment  *shipment.Shipment
		scans     []shipment.ScanEvent
		wantScore float64
		wantFraud bool
	}{
		{"nothing", ship(1, "dispatched", time.Hour), oneScan, 0, false},
		{"no scans", ship(1, "dispatched", time.Hour), nil, 0.2, false},
		{"status", ship(1, "issue", time.Hour), oneScan, 0.4, false},
		{"old and no scans is not above cutoff", ship(1, "dispatched", old), nil, 0.5, false},
		{"status and no scans", ship(1, "issue", time.Hour), nil, 0.6, true},
		{"old and status", ship(1, "delayed", old), oneScan, 0.7, true},
		{"old, status and many scans", ship(1, "delayed", old), manyScans, 1.0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := e.Score(tt.shipment, tt.scans)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantScore, v.Score, 1e-9)
			assert.Equal(t, tt.wantFraud, v.IsFraud)
			assert.Equal(t, v.Score > 0.5, v.IsFraud)
		})
	}
}

func TestHeuristicMonotonic(t *testing.T) {
	e := newTestEngine()
	old := 45 * 24 * time.Hour

	steps := []struct {
		s     *shipment.Shipment
		scans []shipment.ScanEvent
	}{
		{ship(1, "delivered", time.Hour), scansEvery(1, 2, now, time.Minute, 0, 0)},
		{ship(1, "delivered", old), scansEvery(1, 2, now, time.Minute, 0, 0)},
		{ship(1, "delayed", old), scansEvery(1, 2, now, time.Minute, 0, 0)},
		{ship(1, "delayed", old), nil},
	}

	prev := -1.0
	for _, step := range steps {
		v, err := e.Score(step.s, step.scans)
		require.NoError(t, err)
		assert.Greater(t, v.Score, prev)
		prev = v.Score
	}
}

func TestScoreNilShipment(t *testing.T) {
	_, err := newTestEngine().Score(nil, nil)
	assert.ErrorIs(t, err, ErrNilShipment)
}

func TestScoreDoesNotMutateInput(t *testing.T) {
	e := newTestEngine()
	_, err := e.Train(normalHistories(30))
	require.NoError(t, err)

	s := ship(1, "delayed", time.Hour)
	scans := []shipment.ScanEvent{
		{ID: 2, ScannedAt: now},
		{ID: 1, ScannedAt: now.Add(-time.Hour)},
	}
	before := *s

	_, err = e.Score(s, scans)
	require.NoError(t, err)

	assert.Equal(t, before, *s)
	assert.Equal(t, int64(2), scans[0].ID)
}

func TestProbabilityClamp(t *testing.T) {
	tests := []struct {
		raw  float64
		want float64
	}{
		{raw: 1000, want: 0},
		{raw: -1000, want: 1},
		{raw: 0, want: 0.5},
		{raw: 0.2, want: 0.3},
		{raw: -0.4, want: 0.9},
		{raw: 0.5, want: 0},
		{raw: -0.5, want: 1},
	}

	for _, tt := range tests {
		got := Probability(tt.raw)
		assert.InDelta(t, tt.want, got, 1e-9, "raw=%v", tt.raw)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	}
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonHighAnomaly, ReasonFor(0.81))
	assert.Equal(t, ReasonModerateAnomaly, ReasonFor(0.8))
	assert.Equal(t, ReasonModerateAnomaly, ReasonFor(0.51))
	assert.Equal(t, ReasonLowAnomaly, ReasonFor(0.5))
	assert.Equal(t, ReasonLowAnomaly, ReasonFor(0))
}

func TestTrainTooFewSamples(t *testing.T) {
	tests := []struct {
		name      string
		histories []shipment.History
	}{
		{name: "none", histories: nil},
		{name: "one", histories: normalHistories(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine()
			fitted, err := e.Train(tt.histories)
			require.NoError(t, err)
			assert.False(t, fitted)
			assert.Equal(t, ModeHeuristic, e.Mode())
		})
	}
}

func TestTrainKeepsPriorFit(t *testing.T) {
	e := newTestEngine()
	fitted, err := e.Train(normalHistories(40))
	require.NoError(t, err)
	require.True(t, fitted)

	before := e.Status()

	fitted, err = e.Train(normalHistories(1))
	require.NoError(t, err)
	assert.False(t, fitted)
	assert.Equal(t, ModeModel, e.Mode())
	assert.Equal(t, before, e.Status())
	assert.Equal(t, 40, e.Status().Samples)
}

func TestTrainSwitchesToModel(t *testing.T) {
	e := newTestEngine()
	s := ship(99, "delayed", 40*24*time.Hour)

	heuristicVerdict, err := e.Score(s, nil)
	require.NoError(t, err)

	fitted, err := e.Train(normalHistories(2))
	require.NoError(t, err)
	require.True(t, fitted)
	assert.Equal(t, ModeModel, e.Mode())

	modelVerdict, err := e.Score(s, nil)
	require.NoError(t, err)

	assert.Equal(t, ModeModel, modelVerdict.Mode)
	assert.GreaterOrEqual(t, modelVerdict.Score, 0.0)
	assert.LessOrEqual(t, modelVerdict.Score, 1.0)
	assert.Contains(t, []string{ReasonHighAnomaly, ReasonModerateAnomaly, ReasonLowAnomaly}, modelVerdict.Reason)
	assert.NotEqual(t, heuristicVerdict.Reason, modelVerdict.Reason)
}

func TestModelFlagsOutlier(t *testing.T) {
	e := newTestEngine()
	_, err := e.Train(normalHistories(60))
	require.NoError(t, err)

	odd := ship(500, "lost", 400*24*time.Hour)
	scans := scansEvery(500, 40, now.Add(-400*24*time.Hour), 9*24*time.Hour, -30, 120)
	for i := range scans {
		scans[i].Status = []string{"a", "b", "c", "d", "e", "f"}[i%6]
		scans[i].Latitude = ptr(float64(i * 7 % 90))
	}

	v, err := e.Score(odd, scans)
	require.NoError(t, err)
	assert.True(t, v.IsFraud)
	assert.Greater(t, v.Score, 0.5)

	typical := ship(501, shipment.StatusInTransit, 36*time.Hour)
	v, err = e.Score(typical, scansEvery(501, 4, now.Add(-36*time.Hour), time.Hour, 9.0, 38.7))
	require.NoError(t, err)
	assert.False(t, v.IsFraud)
	assert.Equal(t, ReasonFor(v.Score), v.Reason)
}

func TestTrainDeterministic(t *testing.T) {
	a, b := newTestEngine(), newTestEngine()
	_, err := a.Train(normalHistories(25))
	require.NoError(t, err)
	_, err = b.Train(normalHistories(25))
	require.NoError(t, err)

	s := ship(7, "delivered", 3*time.Hour)
	va, err := a.Score(s, nil)
	require.NoError(t, err)
	vb, err := b.Score(s, nil)
	require.NoError(t, err)
	assert.Equal(t, va, vb)
}

func TestSnapshotRestore(t *testing.T) {
	untrainedEngine := newTestEngine()
	_, err := untrainedEngine.Snapshot()
	assert.ErrorIs(t, err, ErrUntrained)

	original := newTestEngine()
	_, err = original.Train(normalHistories(30))
	require.NoError(t, err)

	data, err := original.Snapshot()
	require.NoError(t, err)

	restored := newTestEngine()
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, ModeModel, restored.Mode())
	assert.Equal(t, original.Status(), restored.Status())

	for _, h := range normalHistories(5) {
		want, err := original.ScoreHistory(h)
		require.NoError(t, err)
		got, err := restored.ScoreHistory(h)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	assert.Error(t, newTestEngine().Restore([]byte("junk")))
}

func TestScoreStream(t *testing.T) {
	e := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan shipment.History, 3)
	output := make(chan Scored, 3)

	for _, h := range normalHistories(3) {
		input <- h
	}
	close(input)

	require.NoError(t, e.ScoreStream(ctx, input, output))
	close(output)

	var ids []int64
	for s := range output {
		require.NoError(t, s.Err)
		ids = append(ids, s.ShipmentID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestScoreStreamCancelled(t *testing.T) {
	e := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.ScoreStream(ctx, make(chan shipment.History), make(chan Scored))
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingObserver struct {
	mu        sync.Mutex
	scores    []Verdict
	trainings []bool
}

func (r *recordingObserver) ObserveScore(v Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = append(r.scores, v)
}

func (r *recordingObserver) ObserveTraining(fitted bool, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trainings = append(r.trainings, fitted)
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestEngine(WithObserver(obs))

	_, err := e.Score(ship(1, "delayed", time.Hour), nil)
	require.NoError(t, err)
	_, err = e.Train(nil)
	require.NoError(t, err)
	_, err = e.Train(normalHistories(5))
	require.NoError(t, err)

	assert.Len(t, obs.scores, 1)
	assert.Equal(t, []bool{false, true}, obs.trainings)
}

func TestConcurrentScoreAndTrain(t *testing.T) {
	e := newTestEngine()
	histories := normalHistories(20)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := e.ScoreHistory(histories[(i+j)%len(histories)])
				assert.NoError(t, err)
			}
		}(i)
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Train(histories)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, ModeModel, e.Mode())
}

func BenchmarkScoreModel(b *testing.B) {
	e := newTestEngine()
	e.Train(normalHistories(200))
	h := normalHistories(1)[0]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.ScoreHistory(h)
	}
}
