// Package csv reads shipment histories from CSV exports and writes scoring
// results as CSV.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/aidguard/pkg/shipment"
)

// timeLayouts are the timestamp formats accepted in CSV cells.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Reader reads a shipments file and a scans file and joins them by
// shipment id. Columns are matched by header name.
type Reader struct {
	shipments *os.File
	scans     *os.File
	location  *time.Location
	skipped   int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithLocation sets the zone for timestamps without an offset. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(r *Reader) {
		r.location = loc
	}
}

// NewReader opens the shipments CSV and, if scansFile is not empty, the
// scans CSV.
func NewReader(shipmentsFile, scansFile string, opts ...Option) (*Reader, error) {
	shipments, err := os.Open(shipmentsFile)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		shipments: shipments,
		location:  time.UTC,
	}

	if scansFile != "" {
		scans, err := os.Open(scansFile)
		if err != nil {
			shipments.Close()
			return nil, err
		}
		r.scans = scans
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Skipped returns the number of malformed rows dropped by the last Read.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all shipments with their scans, in shipments-file order.
func (r *Reader) Read() ([]shipment.History, error) {
	r.skipped = 0

	shipments, err := r.readShipments()
	if err != nil {
		return nil, fmt.Errorf("read shipments: %w", err)
	}

	byShipment := make(map[int64][]shipment.ScanEvent)
	if r.scans != nil {
		scans, err := r.readScans()
		if err != nil {
			return nil, fmt.Errorf("read scans: %w", err)
		}
		for _, s := range scans {
			byShipment[s.ShipmentID] = append(byShipment[s.ShipmentID], s)
		}
	}

	histories := make([]shipment.History, len(shipments))
	for i, s := range shipments {
		histories[i] = shipment.History{Shipment: s, Scans: byShipment[s.ID]}
	}
	return histories, nil
}

// Stream returns a channel of histories. Scans must be grouped first, so
// both files are read before the first value is sent.
func (r *Reader) Stream(ctx context.Context) (<-chan shipment.History, error) {
	histories, err := r.Read()
	if err != nil {
		return nil, err
	}

	out := make(chan shipment.History, 100)

	go func() {
		defer close(out)
		for _, h := range histories {
			select {
			case out <- h:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	var errs []error
	if r.shipments != nil {
		errs = append(errs, r.shipments.Close())
	}
	if r.scans != nil {
		errs = append(errs, r.scans.Close())
	}
	return errors.Join(errs...)
}

func (r *Reader) readShipments() ([]shipment.Shipment, error) {
	var out []shipment.Shipment
	err := eachRow(r.shipments, []string{"id"}, func(row row) {
		s, err := r.parseShipment(row)
		if err != nil {
			r.skipped++
			return
		}
		out = append(out, s)
	})
	return out, err
}

func (r *Reader) readScans() ([]shipment.ScanEvent, error) {
	var out []shipment.ScanEvent
	err := eachRow(r.scans, []string{"shipment_id", "scanned_at"}, func(row row) {
		s, err := r.parseScan(row)
		if err != nil {
			r.skipped++
			return
		}
		out = append(out, s)
	})
	return out, err
}

func (r *Reader) parseShipment(row row) (shipment.Shipment, error) {
	id, err := strconv.ParseInt(row.get("id"), 10, 64)
	if err != nil {
		return shipment.Shipment{}, err
	}

	s := shipment.Shipment{ID: id, Status: row.get("status")}
	if s.CreatedAt, err = r.optionalTime(row.get("timestamp")); err != nil {
		return shipment.Shipment{}, err
	}
	if s.AidItemID, err = optionalInt(row.get("aid_item_id")); err != nil {
		return shipment.Shipment{}, err
	}
	if s.OriginID, err = optionalInt(row.get("origin_id")); err != nil {
		return shipment.Shipment{}, err
	}
	if s.DestinationID, err = optionalInt(row.get("destination_id")); err != nil {
		return shipment.Shipment{}, err
	}
	return s, nil
}

func (r *Reader) parseScan(row row) (shipment.ScanEvent, error) {
	var s shipment.ScanEvent
	var err error

	if row.has("id") && row.get("id") != "" {
		if s.ID, err = strconv.ParseInt(row.get("id"), 10, 64); err != nil {
			return s, err
		}
	}
	if s.ShipmentID, err = strconv.ParseInt(row.get("shipment_id"), 10, 64); err != nil {
		return s, err
	}

	at, err := r.optionalTime(row.get("scanned_at"))
	if err != nil {
		return s, err
	}
	if at == nil {
		return s, errors.New("missing scanned_at")
	}
	s.ScannedAt = *at

	if s.Latitude, err = optionalFloat(row.get("latitude")); err != nil {
		return s, err
	}
	if s.Longitude, err = optionalFloat(row.get("longitude")); err != nil {
		return s, err
	}
	s.Status = row.get("status")
	s.Location = row.get("location")
	s.ScannedBy = row.get("scanned_by")
	return s, nil
}

func (r *Reader) optionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, r.location); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized time %q", v)
}

func optionalInt(v string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func optionalFloat(v string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// row is a CSV record addressed by header name.
type row struct {
	columns map[string]int
	record  []string
}

func (r row) has(name string) bool {
	_, ok := r.columns[name]
	return ok
}

func (r row) get(name string) string {
	i, ok := r.columns[name]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

// eachRow reads the header, checks required columns and calls fn for every
// data record.
func eachRow(f *os.File, required []string, fn func(row)) error {
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return fmt.Errorf("missing column %q in %s", name, f.Name())
		}
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if slices.Equal(record, []string{""}) {
			continue
		}
		fn(row{columns: columns, record: record})
	}
}
