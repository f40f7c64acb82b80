package pipeline

// validate.go implements per-field validation rules and value normalization.
//
// All rules are pure and synchronous. A configurable case-insensitive
// sentinel value ("NN" by default) always validates as true regardless of
// the field's normal rule, letting an operator explicitly defer a field.
//
// Two product policies here are intentional and load-bearing for duplicate
// detection and for what gets persisted:
//   - a blank national id is replaced by DefaultNationalID instead of
//     being rejected;
//   - a phone with more than 10 digits is replaced by FallbackPhone instead
//     of failing the field.

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSentinel marks a field as intentionally unspecified.
const DefaultSentinel = "NN"

// DefaultNationalID substitutes a blank national id.
const DefaultNationalID = "00000000"

// FallbackPhone substitutes a phone number with more than 10 digits.
const FallbackPhone = "5555555555"

// CountryCallingCode prefixes phone numbers in commit payloads.
const CountryCallingCode = "54"

// nationalIDPrefixes is the fixed set of allowed one-letter prefixes.
const nationalIDPrefixes = "EPV"

// MinNameWords and MaxNameWords bound the word count of a full name.
const (
	MinNameWords = 2
	MaxNameWords = 7
)

// MinAge and MaxAge bound the subject's age in years, inclusive, as of today.
const (
	MinAge = 21
	MaxAge = 60
)

// dobLayout is the only accepted date-of-birth format (DD/MM/YYYY).
const dobLayout = "02/01/2006"

// DefaultStatuses is the fallback allowed set for the status field, used
// until a dynamic set has been loaded.
var DefaultStatuses = []string{"ACTIVE", "INACTIVE", "PENDING", "SUSPENDED"}

// PaymentFrequencies is the allowed set for a loan's payment frequency.
var PaymentFrequencies = []string{"WEEKLY", "BIWEEKLY", "MONTHLY"}

// MaxInstallments bounds a loan's installment count.
const MaxInstallments = 120

var (
	nationalIDRegex = regexp.MustCompile(`^[EPV]?[0-9]+$`)
	emailRegex      = regexp.MustCompile(`^[^@\s,]+@[^@\s,]+\.[A-Za-z]{2,}$`)
	nonDigitRegex   = regexp.MustCompile(`[^0-9]`)
)

// Registry validates and normalizes individual field values.
// The zero value is not usable; construct with NewRegistry.
type Registry struct {
	sentinel string
	now      func() time.Time

	mu       sync.RWMutex
	statuses []string
}

// NewRegistry creates a registry with the default sentinel and the fallback
// status set.
func NewRegistry() *Registry {
	return &Registry{
		sentinel: DefaultSentinel,
		now:      time.Now,
	}
}

// SetSentinel overrides the sentinel value. Matching is case-insensitive.
func (r *Registry) SetSentinel(s string) {
	if s != "" {
		r.sentinel = s
	}
}

// SetAllowedStatuses installs the dynamically loaded status set. An empty
// slice reverts to DefaultStatuses.
func (r *Registry) SetAllowedStatuses(codes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = codes
}

func (r *Registry) allowedStatuses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.statuses) == 0 {
		return DefaultStatuses
	}
	return r.statuses
}

// IsSentinel reports whether a value is the "intentionally unspecified"
// marker.
func (r *Registry) IsSentinel(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), r.sentinel)
}

// Normalize returns the canonical stored form of a field value. It applies
// the substitution policies (blank national id, overflowing phone) but
// performs no validation.
func (r *Registry) Normalize(field, value string) string {
	if r.IsSentinel(value) {
		return strings.ToUpper(strings.TrimSpace(value))
	}

	switch field {
	case FieldNationalID:
		v := strings.ToUpper(strings.TrimSpace(value))
		if v == "" {
			return DefaultNationalID
		}
		return v
	case FieldPhone:
		digits := nonDigitRegex.ReplaceAllString(value, "")
		if len(digits) > 10 {
			return FallbackPhone
		}
		return digits
	case FieldFullName:
		// Deliberately not trimmed: a trailing space signals the operator is
		// still typing and validation treats it leniently.
		return value
	case FieldStatus, FieldPaymentFrequency:
		return strings.ToUpper(strings.TrimSpace(value))
	default:
		return strings.TrimSpace(value)
	}
}

// Validate checks one raw field value against the field's rule.
// Unrecognized field names fail only when the value is empty.
func (r *Registry) Validate(field, value string) FieldResult {
	if r.IsSentinel(value) {
		return FieldResult{Valid: true}
	}

	switch field {
	case FieldNationalID:
		return r.validateNationalID(value)
	case FieldFullName:
		return r.validateFullName(value)
	case FieldPhone:
		return r.validatePhone(value)
	case FieldEmail:
		return r.validateEmail(value)
	case FieldBirthDate:
		return r.validateBirthDate(value)
	case FieldOccupation:
		return r.validateOccupation(value)
	case FieldStatus:
		return r.validateStatus(value)
	case FieldAddress:
		return r.validateAddress(value)
	case FieldNotes, FieldObservations, FieldProduct, FieldDealer,
		FieldAnalyst, FieldVehicleModel, FieldActive:
		return FieldResult{Valid: true}
	case FieldTotalAmount, FieldInstallmentAmount:
		return r.validateAmount(value)
	case FieldInterestRate:
		return r.validateInterestRate(value)
	case FieldInstallmentCount:
		return r.validateInstallmentCount(value)
	case FieldPaymentFrequency:
		return r.validatePaymentFrequency(value)
	case FieldRequestDate:
		return r.validateRequestDate(value)
	}

	// Defensive default for unrecognized fields: only emptiness fails.
	if strings.TrimSpace(value) == "" {
		return FieldResult{Message: "required field is empty"}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validateNationalID(value string) FieldResult {
	v := strings.ToUpper(strings.TrimSpace(value))
	if v == "" {
		// Blank ids are substituted, never rejected.
		return FieldResult{Valid: true}
	}
	if !nationalIDRegex.MatchString(v) {
		return FieldResult{Message: fmt.Sprintf("national id must be digits with an optional %s prefix", prefixList())}
	}
	return FieldResult{Valid: true}
}

func prefixList() string {
	letters := strings.Split(nationalIDPrefixes, "")
	return strings.Join(letters, "/")
}

func (r *Registry) validateFullName(value string) FieldResult {
	words := strings.Fields(strings.TrimSpace(value))

	if len(words) < MinNameWords {
		// A value still ending in whitespace means the operator is
		// mid-typing; do not penalize it for being short yet.
		if value != "" && value != strings.TrimRight(value, " \t") {
			return FieldResult{Valid: true}
		}
		return FieldResult{Message: fmt.Sprintf("need at least %d words, got %d", MinNameWords, len(words))}
	}
	if len(words) > MaxNameWords {
		return FieldResult{Message: fmt.Sprintf("too many words, max %d, got %d", MaxNameWords, len(words))}
	}
	for _, w := range words {
		if len([]rune(w)) < 2 {
			return FieldResult{Message: fmt.Sprintf("every word needs at least 2 characters: %q", w)}
		}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validatePhone(value string) FieldResult {
	digits := nonDigitRegex.ReplaceAllString(value, "")
	if len(digits) > 10 {
		// Overflowing numbers are substituted with FallbackPhone, never
		// failed.
		return FieldResult{Valid: true}
	}
	if len(digits) != 10 {
		return FieldResult{Message: fmt.Sprintf("phone must have exactly 10 digits, got %d", len(digits))}
	}
	if digits[0] == '0' {
		return FieldResult{Message: "phone must not start with 0"}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validateEmail(value string) FieldResult {
	v := strings.TrimSpace(value)
	if strings.Count(v, "@") != 1 {
		return FieldResult{Message: "email must contain exactly one @"}
	}
	if strings.ContainsAny(v, " ,") {
		return FieldResult{Message: "email must not contain spaces or commas"}
	}
	if !emailRegex.MatchString(v) {
		return FieldResult{Message: "email must look like name@domain.tld"}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validateBirthDate(value string) FieldResult {
	dob, err := time.Parse(dobLayout, strings.TrimSpace(value))
	if err != nil {
		return FieldResult{Message: "birth date must be a valid DD/MM/YYYY date"}
	}

	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !dob.Before(today) {
		return FieldResult{Message: "birth date must be in the past"}
	}

	age := yearsBetween(dob, today)
	if age < MinAge {
		return FieldResult{Message: fmt.Sprintf("must be at least %d years old, is %d", MinAge, age)}
	}
	if age > MaxAge {
		return FieldResult{Message: fmt.Sprintf("must be at most %d years old, is %d", MaxAge, age)}
	}
	return FieldResult{Valid: true}
}

// yearsBetween returns full years elapsed from dob to ref.
func yearsBetween(dob, ref time.Time) int {
	years := ref.Year() - dob.Year()
	anniversary := dob.AddDate(years, 0, 0)
	if anniversary.After(ref) {
		years--
	}
	return years
}

func (r *Registry) validateOccupation(value string) FieldResult {
	words := strings.Fields(strings.TrimSpace(value))
	if len(words) < 1 || len(words) > 2 {
		return FieldResult{Message: fmt.Sprintf("occupation must be 1 or 2 words, got %d", len(words))}
	}
	for _, w := range words {
		if len([]rune(w)) < 2 {
			return FieldResult{Message: fmt.Sprintf("every word needs at least 2 characters: %q", w)}
		}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validateStatus(value string) FieldResult {
	v := strings.ToUpper(strings.TrimSpace(value))
	allowed := r.allowedStatuses()
	for _, code := range allowed {
		if v == strings.ToUpper(code) {
			return FieldResult{Valid: true}
		}
	}
	return FieldResult{Message: fmt.Sprintf("status must be one of: %s", strings.Join(allowed, ", "))}
}

func (r *Registry) validateAddress(value string) FieldResult {
	v := strings.TrimSpace(value)
	if v == "" {
		return FieldResult{Valid: true}
	}
	if len(strings.Fields(v)) < 5 {
		return FieldResult{Message: "address description needs at least 5 words"}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validateAmount(value string) FieldResult {
	d, err := parseAmount(value)
	if err != nil {
		return FieldResult{Message: "amount must be a number"}
	}
	if !d.IsPositive() {
		return FieldResult{Message: "amount must be greater than zero"}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validateInterestRate(value string) FieldResult {
	d, err := parseAmount(value)
	if err != nil {
		return FieldResult{Message: "interest rate must be a number"}
	}
	if !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(100)) {
		return FieldResult{Message: "interest rate must be between 0 and 100"}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validateInstallmentCount(value string) FieldResult {
	d, err := parseAmount(value)
	if err != nil || !d.IsInteger() {
		return FieldResult{Message: "installment count must be a whole number"}
	}
	n := d.IntPart()
	if n < 1 || n > MaxInstallments {
		return FieldResult{Message: fmt.Sprintf("installment count must be between 1 and %d, got %d", MaxInstallments, n)}
	}
	return FieldResult{Valid: true}
}

func (r *Registry) validatePaymentFrequency(value string) FieldResult {
	v := strings.ToUpper(strings.TrimSpace(value))
	for _, f := range PaymentFrequencies {
		if v == f {
			return FieldResult{Valid: true}
		}
	}
	return FieldResult{Message: fmt.Sprintf("payment frequency must be one of: %s", strings.Join(PaymentFrequencies, ", "))}
}

func (r *Registry) validateRequestDate(value string) FieldResult {
	d, err := time.Parse(dobLayout, strings.TrimSpace(value))
	if err != nil {
		return FieldResult{Message: "request date must be a valid DD/MM/YYYY date"}
	}
	if d.After(r.now()) {
		return FieldResult{Message: "request date must not be in the future"}
	}
	return FieldResult{Valid: true}
}

// parseAmount parses user-provided numbers, tolerating currency symbols,
// thousands separators and accounting-style negatives like "(123.45)".
func parseAmount(value string) (decimal.Decimal, error) {
	s := strings.TrimSpace(value)

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}
