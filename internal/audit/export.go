// Package audit serves the regulatory side of the ledger: periodic integrity
// sweeps over every unit, trace exports, and archiving exports as evidence
// in object storage.
package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/unit"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports one row per trace event.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports the unit header, chain result and events.
	ExportFormatJSON ExportFormat = "json"
)

// ParseExportFormat maps a query value to a format. Empty means JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format: %s", s)
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Extension returns the file extension of the format, with the dot.
func (f ExportFormat) Extension() string {
	return "." + string(f)
}

// TraceExport is the JSON export document.
type TraceExport struct {
	UnitID         string            `json:"unitId"`
	ProductCode    string            `json:"productCode"`
	LotNumber      string            `json:"lotNumber"`
	IdentityDigest string            `json:"identityDigest"`
	Status         unit.Status       `json:"status"`
	ExportedAt     time.Time         `json:"exportedAt"`
	Chain          chain.Result      `json:"chain"`
	Events         []unit.TraceEvent `json:"events"`
}

// ExportTrace renders u's trace. The chain is verified at export time and the
// result embedded, so an export of a tampered trace says so.
func ExportTrace(u *unit.TrackedUnit, format ExportFormat, exportedAt time.Time) ([]byte, error) {
	res := chain.Verify(u)
	switch format {
	case ExportFormatCSV:
		return exportToCSV(u, res)
	case ExportFormatJSON:
		return exportToJSON(u, res, exportedAt)
	}
	return nil, fmt.Errorf("unsupported export format: %s", format)
}

var csvHeader = []string{
	"Seq",
	"Event ID",
	"Kind",
	"Timestamp (UTC)",
	"Actor ID",
	"Actor Name",
	"Location",
	"Metadata",
	"Event Digest",
	"Previous Digest",
	"Verified",
}

func exportToCSV(u *unit.TrackedUnit, res chain.Result) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for i, ev := range u.Trace {
		meta := ""
		if len(ev.Metadata) > 0 {
			raw, err := json.Marshal(ev.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to encode metadata of event %s: %w", ev.EventID, err)
			}
			meta = string(raw)
		}
		verified := res.Valid || i < res.Index
		row := []string{
			strconv.Itoa(i),
			ev.EventID,
			string(ev.Kind),
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.ActorID,
			ev.ActorDisplayName,
			ev.Location,
			meta,
			ev.EventDigest,
			ev.PreviousDigest,
			strconv.FormatBool(verified),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(u *unit.TrackedUnit, res chain.Result, exportedAt time.Time) ([]byte, error) {
	doc := TraceExport{
		UnitID:         u.UnitID,
		ProductCode:    u.ProductCode,
		LotNumber:      u.LotNumber,
		IdentityDigest: u.IdentityDigest,
		Status:         u.Status,
		ExportedAt:     exportedAt.UTC(),
		Chain:          res,
		Events:         u.Trace,
	}
	if doc.Events == nil {
		doc.Events = []unit.TraceEvent{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
