package codec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stanstork/stratum-exchange/internal/models"
)

// TimestampLayout is the canonical ISO-8601 form written on export.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var isoLike = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts RFC 3339 and the common zone-less variants; values
// without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %q", s)
}

// NormalizeForExport merges id into the record under "id" and renders every
// time.Time value as an ISO-8601 string.
func NormalizeForExport(id string, fields models.Record) models.Record {
	out := make(models.Record, len(fields)+1)
	for k, v := range fields {
		switch t := v.(type) {
		case time.Time:
			out[k] = FormatTimestamp(t)
		case *time.Time:
			if t == nil {
				out[k] = nil
			} else {
				out[k] = FormatTimestamp(*t)
			}
		default:
			out[k] = v
		}
	}
	if id != "" {
		out["id"] = id
	}
	return out
}

// ApplyFieldTypes converts the values of rec according to hints. With
// detectTimestamps set, string values of unhinted fields that look like an
// ISO-8601 timestamp are converted to time.Time as well; that heuristic can
// misread plain strings and is off unless configured.
func ApplyFieldTypes(rec models.Record, hints map[string]models.FieldType, detectTimestamps bool) error {
	for k, v := range rec {
		hint, hinted := hints[k]
		if !hinted {
			if detectTimestamps {
				if s, ok := v.(string); ok && isoLike.MatchString(s) {
					if t, err := ParseTimestamp(s); err == nil {
						rec[k] = t
					}
				}
			}
			continue
		}
		converted, err := convert(v, hint)
		if err != nil {
			return fmt.Errorf("%w: field %s: %w", models.ErrFormat, k, err)
		}
		rec[k] = converted
	}
	return nil
}

func convert(v any, hint models.FieldType) (any, error) {
	s, isString := v.(string)
	if v == nil || (isString && strings.TrimSpace(s) == "" && hint != models.FieldTypeString) {
		return nil, nil
	}
	switch hint {
	case models.FieldTypeString:
		if isString {
			return s, nil
		}
		return formatCell(v)
	case models.FieldTypeNumber:
		if !isString {
			return v, nil
		}
		s = strings.TrimSpace(s)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", s)
		}
		return f, nil
	case models.FieldTypeBoolean:
		if !isString {
			return v, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", s)
		}
		return b, nil
	case models.FieldTypeTimestamp:
		if !isString {
			return v, nil
		}
		return ParseTimestamp(s)
	}
	return nil, fmt.Errorf("unknown field type %q", hint)
}
