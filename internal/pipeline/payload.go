package pipeline

// payload.go performs the final normalization of a candidate record into
// the remote store's create payload: title-cased names, a structured
// address object, a country-code-prefixed phone and uppercased codes.

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// payloadDateLayout is the wire format for dates in remote payloads.
const payloadDateLayout = "2006-01-02"

var titleCaser = cases.Title(language.Und)

// BuildPayload converts a candidate record into the payload submitted to
// the remote store's create operation.
func BuildPayload(rec *CandidateRecord) map[string]any {
	if rec.Type == RecordLoans {
		return buildLoanPayload(rec)
	}
	return buildClientPayload(rec)
}

func buildClientPayload(rec *CandidateRecord) map[string]any {
	payload := map[string]any{
		"nationalId": rec.Field(FieldNationalID),
		"fullName":   titleCaser.String(strings.TrimSpace(rec.Field(FieldFullName))),
		"phone":      payloadPhone(rec.Field(FieldPhone)),
		"email":      strings.ToLower(strings.TrimSpace(rec.Field(FieldEmail))),
		"birthDate":  payloadDate(rec.Field(FieldBirthDate)),
		"occupation": strings.TrimSpace(rec.Field(FieldOccupation)),
		"status":     strings.ToUpper(strings.TrimSpace(rec.Field(FieldStatus))),
		"active":     payloadBool(rec.Field(FieldActive)),
	}

	if addr := strings.TrimSpace(rec.Field(FieldAddress)); addr != "" {
		payload["address"] = map[string]any{"description": addr}
	}
	if notes := strings.TrimSpace(rec.Field(FieldNotes)); notes != "" {
		payload["notes"] = notes
	}
	return payload
}

func buildLoanPayload(rec *CandidateRecord) map[string]any {
	payload := map[string]any{
		"nationalId":       rec.Field(FieldNationalID),
		"totalAmount":      payloadAmount(rec.Field(FieldTotalAmount)),
		"paymentFrequency": strings.ToUpper(strings.TrimSpace(rec.Field(FieldPaymentFrequency))),
		"requestDate":      payloadDate(rec.Field(FieldRequestDate)),
	}

	if n, err := strconv.Atoi(strings.TrimSpace(rec.Field(FieldInstallmentCount))); err == nil {
		payload["installmentCount"] = n
	}
	payload["installmentAmount"] = payloadAmount(rec.Field(FieldInstallmentAmount))
	payload["interestRate"] = payloadAmount(rec.Field(FieldInterestRate))

	for field, key := range map[string]string{
		FieldProduct:      "product",
		FieldDealer:       "dealer",
		FieldAnalyst:      "analyst",
		FieldVehicleModel: "vehicleModel",
		FieldObservations: "observations",
	} {
		if v := strings.TrimSpace(rec.Field(field)); v != "" {
			payload[key] = v
		}
	}
	return payload
}

// payloadPhone prefixes the country calling code. The fallback placeholder
// is submitted as-is; the substitution policy is deliberate and the stored
// value must match what duplicate detection saw.
func payloadPhone(value string) string {
	digits := nonDigitRegex.ReplaceAllString(value, "")
	if digits == "" {
		return ""
	}
	return "+" + CountryCallingCode + digits
}

// payloadDate converts the sheet date format to the wire format, passing
// empty and unparseable values through as empty.
func payloadDate(value string) string {
	d, err := time.Parse(dobLayout, strings.TrimSpace(value))
	if err != nil {
		return ""
	}
	return d.Format(payloadDateLayout)
}

// payloadAmount renders a monetary amount with two decimal places.
func payloadAmount(value string) string {
	d, err := parseAmount(value)
	if err != nil {
		return ""
	}
	return d.StringFixed(2)
}

// payloadBool interprets the sheet's active-flag spellings. Anything not
// recognized as false counts as active.
func payloadBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "no", "n", "false", "0", "inactive":
		return false
	default:
		return true
	}
}
