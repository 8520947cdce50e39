package codec

import "github.com/stanstork/stratum-exchange/internal/models"

// ApplyMapping returns copies of records with internal keys renamed to
// their external names. Keys without a mapping are kept.
func ApplyMapping(records []models.Record, mappings map[string]string) []models.Record {
	if len(mappings) == 0 {
		return records
	}
	return rename(records, mappings)
}

// InverseMapping flips an internal -> external table.
func InverseMapping(mappings map[string]string) map[string]string {
	inv := make(map[string]string, len(mappings))
	for internal, external := range mappings {
		if external == "" {
			continue
		}
		inv[external] = internal
	}
	return inv
}

// RemapInverse renames external keys of decoded records back to their
// internal field names.
func RemapInverse(records []models.Record, mappings map[string]string) []models.Record {
	if len(mappings) == 0 {
		return records
	}
	return rename(records, InverseMapping(mappings))
}

func rename(records []models.Record, table map[string]string) []models.Record {
	out := make([]models.Record, len(records))
	for i, rec := range records {
		mapped := make(models.Record, len(rec))
		for k, v := range rec {
			if to, ok := table[k]; ok && to != "" {
				k = to
			}
			mapped[k] = v
		}
		out[i] = mapped
	}
	return out
}
