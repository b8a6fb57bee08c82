// Package io provides input/output utilities for offline scoring.
package io

import (
	"context"
	"time"

	"github.com/hed1ad/aidguard/pkg/shipment"
)

// Reader loads shipment histories from an external source.
type Reader interface {
	// Read returns every shipment with its scans.
	Read() ([]shipment.History, error)

	// Stream returns a channel of histories for incremental processing.
	Stream(ctx context.Context) (<-chan shipment.History, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close flushes and releases resources.
	Close() error
}

// Result is a scored shipment as written by offline tools.
type Result struct {
	ShipmentID int64     `json:"shipment_id"`
	DetectedAt time.Time `json:"detected_at"`
	Score      float64   `json:"score"`
	IsFraud    bool      `json:"is_fraud"`
	Reason     string    `json:"reason"`
	Mode       string    `json:"mode"`
}
