package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/aidguard/pkg/fraud"
)

func TestObserveScore(t *testing.T) {
	m := New()

	m.ObserveScore(fraud.Verdict{Score: 0.7, IsFraud: true, Mode: fraud.ModeHeuristic})
	m.ObserveScore(fraud.Verdict{Score: 0.0, Mode: fraud.ModeHeuristic})
	m.ObserveScore(fraud.Verdict{Score: 0.0, Mode: fraud.ModeHeuristic})
	m.ObserveScore(fraud.Verdict{Score: 0.9, IsFraud: true, Mode: fraud.ModeModel})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.scores.WithLabelValues("heuristic", "fraud")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.scores.WithLabelValues("heuristic", "clean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scores.WithLabelValues("model", "fraud")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.scoreDist))
}

func TestObserveTraining(t *testing.T) {
	m := New()

	m.ObserveTraining(false, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trainings.WithLabelValues("skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.trained))

	m.ObserveTraining(true, 40)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trainings.WithLabelValues("fitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trained))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.samples))
}

func TestMarkTrained(t *testing.T) {
	m := New()
	m.MarkTrained(12)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trained))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.samples))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveScore(fraud.Verdict{Score: 0.2, Mode: fraud.ModeHeuristic})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `aidguard_fraud_scores_total{mode="heuristic",verdict="clean"} 1`)
	assert.Contains(t, string(body), "aidguard_model_trained 0")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRegistriesAreIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
