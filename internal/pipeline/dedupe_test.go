package pipeline

import "testing"

func newTestAnalyzer() (*Analyzer, *Registry) {
	reg := testRegistry(fixedNow)
	return NewAnalyzer(reg), reg
}

func clientRecord(rowID int, nationalID, fullName, email, phone string) *CandidateRecord {
	return &CandidateRecord{
		RowID: rowID,
		Type:  RecordClients,
		Fields: map[string]string{
			FieldNationalID: nationalID,
			FieldFullName:   fullName,
			FieldEmail:      email,
			FieldPhone:      phone,
		},
		Validation:  map[string]FieldResult{},
		CommitState: StatePending,
	}
}

func TestAnalyze_NationalIDCollision(t *testing.T) {
	a, _ := newTestAnalyzer()

	records := []*CandidateRecord{
		clientRecord(1, "12345678", "Juan Perez", "juan@example.com", "5551234567"),
		clientRecord(2, "12345678", "Ana Gomez", "ana@example.com", "5559876543"),
		clientRecord(3, "87654321", "Luis Diaz", "luis@example.com", "5550000000"),
	}
	report := a.Analyze(records, ClientKeyTypes)

	if !records[0].DuplicateKeys[KeyNationalID] || !records[1].DuplicateKeys[KeyNationalID] {
		t.Error("rows 1 and 2 should collide on national_id")
	}
	if records[2].IsDuplicate() {
		t.Error("row 3 should be collision-free")
	}
	if len(report.Duplicates) != 2 {
		t.Errorf("Duplicates has %d rows, want 2", len(report.Duplicates))
	}
}

func TestAnalyze_PlaceholderIDsAreNotDuplicates(t *testing.T) {
	a, _ := newTestAnalyzer()

	// Both rows carry the substituted placeholder id; that is not a collision.
	records := []*CandidateRecord{
		clientRecord(1, DefaultNationalID, "Juan Perez", "juan@example.com", "5551234567"),
		clientRecord(2, DefaultNationalID, "Ana Gomez", "ana@example.com", "5559876543"),
	}
	a.Analyze(records, ClientKeyTypes)

	if records[0].IsDuplicate() || records[1].IsDuplicate() {
		t.Error("placeholder national ids must not collide")
	}
}

func TestAnalyze_SentinelValuesAreNotDuplicates(t *testing.T) {
	a, _ := newTestAnalyzer()

	records := []*CandidateRecord{
		clientRecord(1, "11111111", "NN", "NN", "NN"),
		clientRecord(2, "22222222", "NN", "NN", "NN"),
	}
	a.Analyze(records, ClientKeyTypes)

	if records[0].IsDuplicate() || records[1].IsDuplicate() {
		t.Error("sentinel values must not collide")
	}
}

func TestAnalyze_EmailCaseInsensitive(t *testing.T) {
	a, _ := newTestAnalyzer()

	records := []*CandidateRecord{
		clientRecord(1, "11111111", "Juan Perez", "Juan@Example.COM", "5551234567"),
		clientRecord(2, "22222222", "Ana Gomez", "juan@example.com", "5559876543"),
	}
	a.Analyze(records, ClientKeyTypes)

	if !records[0].DuplicateKeys[KeyEmail] || !records[1].DuplicateKeys[KeyEmail] {
		t.Error("emails differing only in case should collide")
	}
}

func TestAnalyze_NameCaseSensitive(t *testing.T) {
	a, _ := newTestAnalyzer()

	records := []*CandidateRecord{
		clientRecord(1, "11111111", "Juan Perez", "a@example.com", "5551234567"),
		clientRecord(2, "22222222", "juan perez", "b@example.com", "5559876543"),
	}
	a.Analyze(records, ClientKeyTypes)

	if records[0].DuplicateKeys[KeyFullName] || records[1].DuplicateKeys[KeyFullName] {
		t.Error("names differing in case should not collide")
	}
}

func TestAnalyze_PhonePrefixCollapsed(t *testing.T) {
	a, _ := newTestAnalyzer()

	// 54-prefixed and bare forms of the same number collide.
	records := []*CandidateRecord{
		clientRecord(1, "11111111", "Juan Perez", "a@example.com", "5551234567"),
		clientRecord(2, "22222222", "Ana Gomez", "b@example.com", "54 555 123 4567"),
	}
	a.Analyze(records, ClientKeyTypes)

	if !records[0].DuplicateKeys[KeyPhone] || !records[1].DuplicateKeys[KeyPhone] {
		t.Error("country-prefixed phone should collide with its bare form")
	}
}

func TestAnalyze_MultipleKeyTypes(t *testing.T) {
	a, _ := newTestAnalyzer()

	records := []*CandidateRecord{
		clientRecord(1, "11111111", "Juan Perez", "juan@example.com", "5551234567"),
		clientRecord(2, "11111111", "Juan Perez", "other@example.com", "5559876543"),
	}
	a.Analyze(records, ClientKeyTypes)

	for _, rec := range records {
		if !rec.DuplicateKeys[KeyNationalID] || !rec.DuplicateKeys[KeyFullName] {
			t.Errorf("row %d should collide on both id and name: %v", rec.RowID, rec.DuplicateKeys)
		}
		if rec.DuplicateKeys[KeyEmail] {
			t.Errorf("row %d should not collide on email", rec.RowID)
		}
	}
}

func TestAnalyze_Idempotent(t *testing.T) {
	a, _ := newTestAnalyzer()

	records := []*CandidateRecord{
		clientRecord(1, "11111111", "Juan Perez", "juan@example.com", "5551234567"),
		clientRecord(2, "11111111", "Ana Gomez", "ana@example.com", "5559876543"),
	}
	a.Analyze(records, ClientKeyTypes)
	a.Analyze(records, ClientKeyTypes)

	if len(records[0].DuplicateKeys) != 1 {
		t.Errorf("DuplicateKeys = %v, want exactly the national_id key", records[0].DuplicateKeys)
	}
}

func TestAnalyze_ResolvingClearsMarks(t *testing.T) {
	a, _ := newTestAnalyzer()

	records := []*CandidateRecord{
		clientRecord(1, "11111111", "Juan Perez", "juan@example.com", "5551234567"),
		clientRecord(2, "11111111", "Ana Gomez", "ana@example.com", "5559876543"),
	}
	a.Analyze(records, ClientKeyTypes)
	if !records[1].IsDuplicate() {
		t.Fatal("precondition: rows should collide")
	}

	records[1].Fields[FieldNationalID] = "22222222"
	a.Analyze(records, ClientKeyTypes)

	if records[0].IsDuplicate() || records[1].IsDuplicate() {
		t.Error("fixing the collision should clear marks on both rows")
	}
}

func TestAnalyze_LoanKeysIgnoreContactFields(t *testing.T) {
	a, _ := newTestAnalyzer()

	records := []*CandidateRecord{
		clientRecord(1, "11111111", "Juan Perez", "same@example.com", "5551234567"),
		clientRecord(2, "22222222", "Juan Perez", "same@example.com", "5551234567"),
	}
	a.Analyze(records, LoanKeyTypes)

	if records[0].IsDuplicate() || records[1].IsDuplicate() {
		t.Error("loan batches only compare national ids")
	}
}

func TestNormalizePhoneKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5551234567", "5551234567"},
		{"(555) 123-4567", "5551234567"},
		{"545551234567", "5551234567"},
		{"991234567890123", FallbackPhone},
		{"", ""},
	}

	for _, tt := range tests {
		if got := normalizePhoneKey(tt.in); got != tt.want {
			t.Errorf("normalizePhoneKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
