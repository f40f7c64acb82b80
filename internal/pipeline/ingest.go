package pipeline

// ingest.go turns raw sheet rows into typed, validated candidate records.
//
// Column-to-field mapping is strictly positional; header names are never
// matched. The header row itself is discarded upstream by the sheet decoder.

import (
	"strings"
	"time"
)

// Field names used across both record types.
const (
	FieldNationalID        = "national_id"
	FieldFullName          = "full_name"
	FieldPhone             = "phone"
	FieldEmail             = "email"
	FieldAddress           = "address"
	FieldBirthDate         = "birth_date"
	FieldOccupation        = "occupation"
	FieldStatus            = "status"
	FieldActive            = "active"
	FieldNotes             = "notes"
	FieldTotalAmount       = "total_amount"
	FieldPaymentFrequency  = "payment_frequency"
	FieldRequestDate       = "request_date"
	FieldProduct           = "product"
	FieldDealer            = "dealer"
	FieldAnalyst           = "analyst"
	FieldVehicleModel      = "vehicle_model"
	FieldInstallmentCount  = "installment_count"
	FieldInstallmentAmount = "installment_amount"
	FieldInterestRate      = "interest_rate"
	FieldObservations      = "observations"
)

// clientColumns is the fixed column order of a client sheet.
var clientColumns = []string{
	FieldNationalID,
	FieldFullName,
	FieldPhone,
	FieldEmail,
	FieldAddress,
	FieldBirthDate,
	FieldOccupation,
	FieldStatus,
	FieldActive,
	FieldNotes,
}

// loanColumns is the fixed column order of a loan sheet.
var loanColumns = []string{
	FieldNationalID,
	FieldTotalAmount,
	FieldPaymentFrequency,
	FieldRequestDate,
	FieldProduct,
	FieldDealer,
	FieldAnalyst,
	FieldVehicleModel,
	FieldInstallmentCount,
	FieldInstallmentAmount,
	FieldInterestRate,
	FieldObservations,
}

// mandatoryFields lists the fields whose validation results drive HasErrors.
var mandatoryFields = map[RecordType][]string{
	RecordClients: {
		FieldNationalID, FieldFullName, FieldPhone, FieldEmail,
		FieldBirthDate, FieldOccupation, FieldStatus,
	},
	RecordLoans: {
		FieldNationalID, FieldTotalAmount, FieldPaymentFrequency,
		FieldRequestDate, FieldInstallmentCount, FieldInstallmentAmount,
		FieldInterestRate,
	},
}

// Columns returns the positional column order for a record type.
func Columns(t RecordType) []string {
	if t == RecordLoans {
		return loanColumns
	}
	return clientColumns
}

// Ingestor builds candidate records from raw rows.
type Ingestor struct {
	registry *Registry
}

// NewIngestor creates an ingestor backed by the given validator registry.
func NewIngestor(reg *Registry) *Ingestor {
	return &Ingestor{registry: reg}
}

// Ingest converts raw rows of the given record type into candidate records.
// Entirely blank rows are skipped. Every column is validated and the result
// stored on the record; only the mandatory fields drive HasErrors, the rest
// are non-blocking advisories the operator sees inline. Row ids are the
// stable 1-based source positions and are never reused.
func (ing *Ingestor) Ingest(rows []RawRow, t RecordType) []*CandidateRecord {
	columns := Columns(t)

	var records []*CandidateRecord
	for _, row := range rows {
		if isBlankRow(row.Cells) {
			continue
		}

		rec := &CandidateRecord{
			RowID:       row.Line,
			Type:        t,
			Fields:      make(map[string]string, len(columns)),
			Validation:  make(map[string]FieldResult, len(columns)),
			CommitState: StatePending,
		}

		for i, field := range columns {
			raw := ""
			if i < len(row.Cells) {
				raw = CleanCell(row.Cells[i])
			}

			rec.Fields[field] = ing.normalizeCell(field, raw)
			rec.Validation[field] = ing.registry.Validate(field, raw)
		}

		rec.recomputeErrors()
		records = append(records, rec)
	}
	return records
}

// normalizeCell applies the registry normalization, degrading unparseable
// dates to empty rather than aborting the row or the batch.
func (ing *Ingestor) normalizeCell(field, raw string) string {
	switch field {
	case FieldBirthDate, FieldRequestDate:
		if raw == "" || ing.registry.IsSentinel(raw) {
			return ing.registry.Normalize(field, raw)
		}
		d, err := time.Parse(dobLayout, strings.TrimSpace(raw))
		if err != nil {
			return ""
		}
		return d.Format(dobLayout)
	default:
		return ing.registry.Normalize(field, raw)
	}
}

// CleanCell strips common spreadsheet artifacts from a raw cell value:
// surrounding whitespace, Excel formula prefixes (="value") and stray
// quote characters.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.Trim(s, `"'`)
}

func isBlankRow(cells []string) bool {
	for _, v := range cells {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
