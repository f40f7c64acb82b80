package pipeline

// dedupe.go finds duplicate key values within a single batch, independently
// of the remote store. Each key type has its own normalization, so the same
// pair of rows can collide on one key and not another. A record is
// committable only when it collides on no key type at all.

import "strings"

// ClientKeyTypes is the default set of keys checked for client batches.
var ClientKeyTypes = []KeyType{KeyNationalID, KeyFullName, KeyEmail, KeyPhone}

// LoanKeyTypes is the default set of keys checked for loan batches.
var LoanKeyTypes = []KeyType{KeyNationalID}

// KeyTypesFor returns the duplicate keys checked for a record type.
func KeyTypesFor(t RecordType) []KeyType {
	if t == RecordLoans {
		return LoanKeyTypes
	}
	return ClientKeyTypes
}

// Analyzer detects intra-batch duplicates.
type Analyzer struct {
	registry *Registry
}

// NewAnalyzer creates an analyzer backed by the given validator registry
// (needed to recognize sentinel values).
func NewAnalyzer(reg *Registry) *Analyzer {
	return &Analyzer{registry: reg}
}

// Analyze builds one KeyIndex per key type and marks every record that
// shares a normalized key value with at least one other record. Each
// record's DuplicateKeys set is rewritten from scratch, so the analysis is
// idempotent on an unmutated record list.
func (a *Analyzer) Analyze(records []*CandidateRecord, keyTypes []KeyType) DuplicateReport {
	report := DuplicateReport{
		Indexes:    make(map[KeyType]KeyIndex, len(keyTypes)),
		Duplicates: make(map[int][]KeyType),
	}

	for _, kt := range keyTypes {
		index := make(KeyIndex)
		for _, rec := range records {
			if key, ok := a.key(rec, kt); ok {
				index[key]++
			}
		}
		report.Indexes[kt] = index
	}

	for _, rec := range records {
		rec.DuplicateKeys = nil
		for _, kt := range keyTypes {
			key, ok := a.key(rec, kt)
			if !ok {
				continue
			}
			if report.Indexes[kt][key] > 1 {
				if rec.DuplicateKeys == nil {
					rec.DuplicateKeys = make(map[KeyType]bool)
				}
				rec.DuplicateKeys[kt] = true
				report.Duplicates[rec.RowID] = append(report.Duplicates[rec.RowID], kt)
			}
		}
	}

	return report
}

// key extracts the normalized duplicate key of one type from a record.
// The second return value is false when the record carries no comparable
// value for that key type.
func (a *Analyzer) key(rec *CandidateRecord, kt KeyType) (string, bool) {
	switch kt {
	case KeyNationalID:
		v := strings.ToUpper(strings.TrimSpace(rec.Field(FieldNationalID)))
		// Rows without a supplied id all carry the same placeholder; they
		// are not duplicates of each other.
		if v == "" || v == DefaultNationalID || a.registry.IsSentinel(v) {
			return "", false
		}
		return v, true
	case KeyFullName:
		v := strings.TrimSpace(rec.Field(FieldFullName))
		if v == "" || a.registry.IsSentinel(v) {
			return "", false
		}
		return v, true
	case KeyEmail:
		v := strings.ToLower(strings.TrimSpace(rec.Field(FieldEmail)))
		if v == "" || a.registry.IsSentinel(v) {
			return "", false
		}
		return v, true
	case KeyPhone:
		v := normalizePhoneKey(rec.Field(FieldPhone))
		if v == "" || a.registry.IsSentinel(rec.Field(FieldPhone)) {
			return "", false
		}
		return v, true
	}
	return "", false
}

// normalizePhoneKey reduces a phone value to its comparable form: digits
// only, country prefix collapsed, capped at the fallback placeholder.
func normalizePhoneKey(value string) string {
	digits := nonDigitRegex.ReplaceAllString(value, "")
	if strings.HasPrefix(digits, CountryCallingCode) && len(digits) > 10 {
		digits = digits[len(CountryCallingCode):]
	}
	if len(digits) > 10 {
		return FallbackPhone
	}
	return digits
}
