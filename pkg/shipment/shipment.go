// Package shipment defines the food-aid shipment records scored for fraud.
package shipment

import (
	"strings"
	"time"
)

// Common status labels. Status is free text; these are the values the
// tracking flow writes itself.
const (
	StatusDispatched = "dispatched"
	StatusInTransit  = "in transit"
	StatusDelivered  = "delivered"
	StatusDelayed    = "delayed"
	StatusLost       = "lost"
	StatusMissing    = "missing"
	StatusIssue      = "issue"
)

// Shipment is a consignment of aid items moving from a warehouse to a
// distribution centre.
type Shipment struct {
	ID            int64      `json:"id"`
	AidItemID     *int64     `json:"aid_item_id,omitempty"`
	OriginID      *int64     `json:"origin_id,omitempty"`
	DestinationID *int64     `json:"destination_id,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     *time.Time `json:"timestamp,omitempty"`
}

// NormalizedStatus returns the lower-cased, trimmed status.
func (s Shipment) NormalizedStatus() string {
	return strings.ToLower(strings.TrimSpace(s.Status))
}

// ScanEvent is a checkpoint recorded when a shipment is scanned.
type ScanEvent struct {
	ID         int64     `json:"id"`
	ShipmentID int64     `json:"shipment_id"`
	ScannedAt  time.Time `json:"scanned_at"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	Status     string    `json:"status,omitempty"`
	Location   string    `json:"location,omitempty"`
	ScannedBy  string    `json:"scanned_by,omitempty"`
}

// Coordinates returns the scan position, with missing values read as 0.
func (e ScanEvent) Coordinates() (lat, lon float64) {
	if e.Latitude != nil {
		lat = *e.Latitude
	}
	if e.Longitude != nil {
		lon = *e.Longitude
	}
	return lat, lon
}

// History pairs a shipment with its scans. Scans may be in any order.
type History struct {
	Shipment Shipment    `json:"shipment"`
	Scans    []ScanEvent `json:"scans"`
}
