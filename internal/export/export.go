// Package export writes calibration results as the JSON document hosts
// and analysis tools consume: the ordered result records followed by one
// {printer, datetime} marker object.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mikeyg42/toolalign/internal/calibration"
)

// TimestampLayout formats the marker datetime.
const TimestampLayout = "2006-01-02 15:04:05"

// fileLayout is TimestampLayout without characters that are awkward in
// file and object names.
const fileLayout = "2006-01-02_15-04-05"

// ErrNoMarker is returned when a document does not end with a marker.
var ErrNoMarker = errors.New("export document has no trailing marker")

// Marker identifies the machine and the moment of an export.
type Marker struct {
	Printer  string `json:"printer"`
	Datetime string `json:"datetime"`
}

// Document is a decoded export.
type Document struct {
	Results []calibration.ToolOffsetResult
	Marker  Marker
}

// NewMarker stamps an export for printer at t.
func NewMarker(printer string, t time.Time) Marker {
	return Marker{Printer: printer, Datetime: t.Format(TimestampLayout)}
}

// Write encodes results and the trailing marker as one JSON array.
func Write(w io.Writer, results []calibration.ToolOffsetResult, m Marker) error {
	entries := make([]any, 0, len(results)+1)
	for _, r := range results {
		entries = append(entries, r)
	}
	entries = append(entries, m)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// Read decodes a document produced by Write.
func Read(r io.Reader) (Document, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Document{}, fmt.Errorf("decode export: %w", err)
	}
	if len(raw) == 0 {
		return Document{}, ErrNoMarker
	}

	var doc Document
	last := raw[len(raw)-1]
	if !isMarker(last) {
		return Document{}, ErrNoMarker
	}
	if err := json.Unmarshal(last, &doc.Marker); err != nil {
		return Document{}, fmt.Errorf("decode marker: %w", err)
	}

	doc.Results = make([]calibration.ToolOffsetResult, 0, len(raw)-1)
	for i, entry := range raw[:len(raw)-1] {
		var res calibration.ToolOffsetResult
		dec := json.NewDecoder(bytes.NewReader(entry))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&res); err != nil {
			return Document{}, fmt.Errorf("decode record %d: %w", i, err)
		}
		doc.Results = append(doc.Results, res)
	}
	return doc, nil
}

func isMarker(entry json.RawMessage) bool {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(entry, &keys); err != nil {
		return false
	}
	_, hasPrinter := keys["printer"]
	_, hasDatetime := keys["datetime"]
	return hasPrinter && hasDatetime && len(keys) == 2
}

// FileName is the export file name for t.
func FileName(t time.Time) string {
	return "output-" + t.Format(fileLayout) + ".json"
}

// WriteFile writes an export into dir and returns its path. The file is
// written under a temporary name and renamed into place.
func WriteFile(dir, printer string, results []calibration.ToolOffsetResult, t time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, FileName(t))

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, results, NewMarker(printer, t)); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename export file: %w", err)
	}
	return path, nil
}

// ReadFile decodes the export at path.
func ReadFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()
	return Read(f)
}
