// Package features turns shipment histories into fixed-length numeric vectors.
package features

import (
	"math"
	"slices"
	"time"

	"github.com/hed1ad/aidguard/pkg/shipment"
)

// Size is the number of features in a Vector.
const Size = 5

// Feature positions within a Vector.
const (
	ScanCount = iota
	MeanScanInterval
	MeanScanDistance
	AgeSeconds
	DistinctStatuses
)

var names = [Size]string{
	"scan_count",
	"mean_scan_interval_seconds",
	"mean_scan_distance",
	"age_seconds",
	"distinct_statuses",
}

// Vector is an ordered feature tuple for one shipment.
type Vector [Size]float64

// Slice returns the vector as a slice for detector input.
func (v Vector) Slice() []float64 {
	return v[:]
}

// Names returns the feature names in vector order.
func Names() []string {
	return names[:]
}

// Clock returns the reference instant for age computation.
type Clock func() time.Time

// Extractor builds feature vectors. The zero value uses the wall clock.
type Extractor struct {
	now Clock
}

// NewExtractor returns an Extractor reading time from now.
// A nil clock means time.Now.
func NewExtractor(now Clock) *Extractor {
	return &Extractor{now: now}
}

// Now returns the extractor's reference instant.
func (e *Extractor) Now() time.Time {
	if e == nil || e.now == nil {
		return time.Now()
	}
	return e.now()
}

// Extract computes the feature vector of h. It never fails: missing
// timestamps, coordinates or scans contribute 0.
func (e *Extractor) Extract(h shipment.History) Vector {
	return ExtractAt(h, e.Now())
}

// ExtractAt computes the feature vector of h with now as the age reference.
func ExtractAt(h shipment.History, now time.Time) Vector {
	var v Vector

	scans := slices.Clone(h.Scans)
	slices.SortStableFunc(scans, func(a, b shipment.ScanEvent) int {
		return a.ScannedAt.Compare(b.ScannedAt)
	})

	v[ScanCount] = float64(len(scans))

	if len(scans) > 1 {
		var totalInterval, totalDistance float64
		for i := 1; i < len(scans); i++ {
			totalInterval += scans[i].ScannedAt.Sub(scans[i-1].ScannedAt).Seconds()

			lat1, lon1 := scans[i-1].Coordinates()
			lat2, lon2 := scans[i].Coordinates()
			totalDistance += math.Hypot(lat2-lat1, lon2-lon1)
		}
		pairs := float64(len(scans) - 1)
		v[MeanScanInterval] = totalInterval / pairs
		v[MeanScanDistance] = totalDistance / pairs
	}

	v[AgeSeconds] = Age(h.Shipment, now).Seconds()

	if len(scans) > 0 {
		statuses := make(map[string]struct{}, len(scans))
		for _, s := range scans {
			statuses[s.Status] = struct{}{}
		}
		v[DistinctStatuses] = float64(len(statuses))
	}

	return v
}

// Age returns how long the shipment has existed at now, or 0 when its
// creation time is unknown.
func Age(s shipment.Shipment, now time.Time) time.Duration {
	if s.CreatedAt == nil {
		return 0
	}
	return now.Sub(*s.CreatedAt)
}
