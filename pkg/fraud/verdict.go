package fraud

import (
	"math"
	"strings"
	"time"

	"github.com/hed1ad/aidguard/pkg/features"
	"github.com/hed1ad/aidguard/pkg/shipment"
)

// Mode names the scoring path that produced a verdict.
type Mode string

const (
	// ModeHeuristic is rule-based scoring used while no model is fitted.
	ModeHeuristic Mode = "heuristic"
	// ModeModel is Isolation Forest scoring.
	ModeModel Mode = "model"
)

// Verdict is the outcome of scoring one shipment. Score is a fraud
// probability in model mode and an additive rule score in heuristic mode.
type Verdict struct {
	Score   float64 `json:"score"`
	IsFraud bool    `json:"is_fraud"`
	Reason  string  `json:"reason"`
	Mode    Mode    `json:"mode"`
}

// Heuristic rule weights and limits.
const (
	oldShipmentAge    = 30 * 24 * time.Hour
	oldShipmentWeight = 0.3
	statusWeight      = 0.4
	noScansWeight     = 0.2
	manyScansLimit    = 10
	manyScansWeight   = 0.3
	heuristicCutoff   = 0.5
)

// Reason tags.
const (
	ReasonOldShipment  = "old shipment"
	ReasonStatus       = "unusual status"
	ReasonNoScans      = "no scan logs"
	ReasonTooManyScans = "too many scan logs"
	ReasonNone         = "no anomalies detected"

	ReasonHighAnomaly     = "high anomaly score, potential fraud"
	ReasonModerateAnomaly = "moderate anomaly score, requires review"
	ReasonLowAnomaly      = "low anomaly score, likely legitimate"
)

var suspiciousStatuses = map[string]bool{
	shipment.StatusDelayed: true,
	shipment.StatusMissing: true,
	shipment.StatusIssue:   true,
}

// heuristic scores a shipment with additive rules. The score is not
// clamped: several rules firing together can exceed 1.
func heuristic(s *shipment.Shipment, scanCount int, now time.Time) Verdict {
	var score float64
	var reasons []string

	if features.Age(*s, now) > oldShipmentAge {
		score += oldShipmentWeight
		reasons = append(reasons, ReasonOldShipment)
	}

	if suspiciousStatuses[s.NormalizedStatus()] {
		score += statusWeight
		reasons = append(reasons, ReasonStatus)
	}

	switch {
	case scanCount == 0:
		score += noScansWeight
		reasons = append(reasons, ReasonNoScans)
	case scanCount > manyScansLimit:
		score += manyScansWeight
		reasons = append(reasons, ReasonTooManyScans)
	}

	reason := ReasonNone
	if len(reasons) > 0 {
		reason = strings.Join(reasons, ", ")
	}

	return Verdict{
		Score:   score,
		IsFraud: score > heuristicCutoff,
		Reason:  reason,
		Mode:    ModeHeuristic,
	}
}

// Probability maps a raw decision value to [0, 1]. Negative decision
// values (outliers) map above 0.5.
func Probability(decision float64) float64 {
	return math.Max(0, math.Min(1, -decision+0.5))
}

// ReasonFor buckets a model probability into a review message.
// It is independent of the model's hard classification.
func ReasonFor(probability float64) string {
	switch {
	case probability > 0.8:
		return ReasonHighAnomaly
	case probability > 0.5:
		return ReasonModerateAnomaly
	default:
		return ReasonLowAnomaly
	}
}
