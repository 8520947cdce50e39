package codec

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/stanstork/stratum-exchange/internal/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ContentType returns the MIME type uploaded with an encoded payload.
func ContentType(format models.DataFormat) (string, error) {
	switch format {
	case models.DataFormatJSON:
		return "application/json", nil
	case models.DataFormatCSV:
		return "text/csv", nil
	}
	return "", unsupported(format)
}

// Extension returns the file extension, without the dot, for format.
func Extension(format models.DataFormat) (string, error) {
	switch format {
	case models.DataFormatJSON:
		return "json", nil
	case models.DataFormatCSV:
		return "csv", nil
	}
	return "", unsupported(format)
}

// Encode writes records to w in the given format. Keys found in mappings
// are written under their external name.
func Encode(w io.Writer, format models.DataFormat, records []models.Record, mappings map[string]string) error {
	switch format {
	case models.DataFormatJSON:
		return encodeJSON(w, records, mappings)
	case models.DataFormatCSV:
		return encodeCSV(w, records, mappings)
	}
	return unsupported(format)
}

// Decode reads every record of an exchange file. Keys are returned exactly
// as they appear in the file; see RemapInverse.
func Decode(r io.Reader, format models.DataFormat) ([]models.Record, error) {
	switch format {
	case models.DataFormatJSON:
		return decodeJSON(r)
	case models.DataFormatCSV:
		return decodeCSV(r)
	}
	return nil, unsupported(format)
}

func unsupported(format models.DataFormat) error {
	return fmt.Errorf("%w: unsupported format %q", models.ErrFormat, format)
}

func encodeJSON(w io.Writer, records []models.Record, mappings map[string]string) error {
	out := ApplyMapping(records, mappings)
	if out == nil {
		out = []models.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("%w: encode json: %w", models.ErrFormat, err)
	}
	return nil
}

// Columns returns the sorted union of keys across records.
func Columns(records []models.Record) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func encodeCSV(w io.Writer, records []models.Record, mappings map[string]string) error {
	cols := Columns(records)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c
		if title, ok := mappings[c]; ok && title != "" {
			header[i] = title
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("%w: write csv header: %w", models.ErrFormat, err)
	}
	row := make([]string, len(cols))
	for _, rec := range records {
		for i, c := range cols {
			v, ok := rec[c]
			if !ok {
				row[i] = ""
				continue
			}
			cell, err := formatCell(v)
			if err != nil {
				return fmt.Errorf("%w: column %s: %w", models.ErrFormat, c, err)
			}
			row[i] = cell
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("%w: write csv row: %w", models.ErrFormat, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("%w: flush csv: %w", models.ErrFormat, err)
	}
	return nil
}

func formatCell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t), nil
	case json.Number:
		return t.String(), nil
	case time.Time:
		return FormatTimestamp(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(r io.Reader) ([]models.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return []models.Record{}, nil
		}
		return nil, fmt.Errorf("%w: payload is not a json array of objects: %w", models.ErrFormat, err)
	}
	records := make([]models.Record, 0, len(raw))
	for i, obj := range raw {
		if obj == nil {
			return nil, fmt.Errorf("%w: element %d is not an object", models.ErrFormat, i)
		}
		for k, v := range obj {
			obj[k] = normalizeNumbers(v)
		}
		records = append(records, obj)
	}
	return records, nil
}

// normalizeNumbers replaces json.Number with int64 when integral, float64
// otherwise, so stores receive native numeric types.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	}
	return v
}

// decodeCSV streams rows into records keyed by the header. Empty cells are
// omitted: an exchange file cannot tell a missing key from an empty one.
func decodeCSV(r io.Reader) ([]models.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return []models.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read csv header: %w", models.ErrFormat, err)
	}
	if len(header) > 0 {
		header[0] = string(bytes.TrimPrefix([]byte(header[0]), utf8BOM))
	}

	records := make([]models.Record, 0)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read csv row: %w", models.ErrFormat, err)
		}
		if len(row) > len(header) {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d has %d fields, header has %d", models.ErrFormat, line, len(row), len(header))
		}
		rec := make(models.Record, len(row))
		for i, cell := range row {
			if cell == "" {
				continue
			}
			rec[header[i]] = cell
		}
		records = append(records, rec)
	}
	return records, nil
}
