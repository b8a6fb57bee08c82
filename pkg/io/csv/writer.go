package csv

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	aidio "github.com/hed1ad/aidguard/pkg/io"
)

var header = []string{"shipment_id", "detected_at", "score", "is_fraud", "reason", "mode"}

// Writer writes results as CSV rows with a header line.
type Writer struct {
	w           *csv.Writer
	wroteHeader bool
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

// Write outputs a single result.
func (w *Writer) Write(result aidio.Result) error {
	if !w.wroteHeader {
		if err := w.w.Write(header); err != nil {
			return err
		}
		w.wroteHeader = true
	}

	return w.w.Write([]string{
		strconv.FormatInt(result.ShipmentID, 10),
		result.DetectedAt.UTC().Format(time.RFC3339),
		strconv.FormatFloat(result.Score, 'f', 4, 64),
		strconv.FormatBool(result.IsFraud),
		result.Reason,
		result.Mode,
	})
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []aidio.Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered rows.
func (w *Writer) Close() error {
	w.w.Flush()
	return w.w.Error()
}

var (
	_ aidio.Reader = (*Reader)(nil)
	_ aidio.Writer = (*Writer)(nil)
)
