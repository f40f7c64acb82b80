package pipeline

import "testing"

func TestBuildClientPayload(t *testing.T) {
	rec := &CandidateRecord{
		Type: RecordClients,
		Fields: map[string]string{
			FieldNationalID: "E1234567",
			FieldFullName:   "juan carlos perez",
			FieldPhone:      "5551234567",
			FieldEmail:      "Juan@Example.COM",
			FieldBirthDate:  "01/01/1990",
			FieldOccupation: "Carpenter",
			FieldStatus:     "active",
			FieldActive:     "yes",
			FieldAddress:    "Calle Falsa 123 Piso 4",
			FieldNotes:      "priority client",
		},
	}

	p := BuildPayload(rec)

	if p["nationalId"] != "E1234567" {
		t.Errorf("nationalId = %v", p["nationalId"])
	}
	if p["fullName"] != "Juan Carlos Perez" {
		t.Errorf("fullName = %v, want title case", p["fullName"])
	}
	if p["phone"] != "+545551234567" {
		t.Errorf("phone = %v, want country prefix", p["phone"])
	}
	if p["email"] != "juan@example.com" {
		t.Errorf("email = %v, want lowercase", p["email"])
	}
	if p["birthDate"] != "1990-01-01" {
		t.Errorf("birthDate = %v, want wire format", p["birthDate"])
	}
	if p["status"] != "ACTIVE" {
		t.Errorf("status = %v", p["status"])
	}
	if p["active"] != true {
		t.Errorf("active = %v", p["active"])
	}

	addr, ok := p["address"].(map[string]any)
	if !ok || addr["description"] != "Calle Falsa 123 Piso 4" {
		t.Errorf("address = %v, want structured object", p["address"])
	}
	if p["notes"] != "priority client" {
		t.Errorf("notes = %v", p["notes"])
	}
}

func TestBuildClientPayload_OmitsEmptyOptionals(t *testing.T) {
	rec := &CandidateRecord{
		Type: RecordClients,
		Fields: map[string]string{
			FieldNationalID: "12345678",
			FieldFullName:   "Juan Perez",
		},
	}

	p := BuildPayload(rec)
	if _, ok := p["address"]; ok {
		t.Error("empty address should be omitted")
	}
	if _, ok := p["notes"]; ok {
		t.Error("empty notes should be omitted")
	}
}

func TestBuildLoanPayload(t *testing.T) {
	rec := &CandidateRecord{
		Type: RecordLoans,
		Fields: map[string]string{
			FieldNationalID:        "12345678",
			FieldTotalAmount:       "$15,000",
			FieldPaymentFrequency:  "monthly",
			FieldRequestDate:       "01/06/2025",
			FieldInstallmentCount:  "24",
			FieldInstallmentAmount: "700.5",
			FieldInterestRate:      "12.5",
			FieldProduct:           "Auto Loan",
			FieldVehicleModel:      "",
		},
	}

	p := BuildPayload(rec)

	if p["totalAmount"] != "15000.00" {
		t.Errorf("totalAmount = %v, want two decimal places", p["totalAmount"])
	}
	if p["installmentAmount"] != "700.50" {
		t.Errorf("installmentAmount = %v", p["installmentAmount"])
	}
	if p["interestRate"] != "12.50" {
		t.Errorf("interestRate = %v", p["interestRate"])
	}
	if p["installmentCount"] != 24 {
		t.Errorf("installmentCount = %v, want int", p["installmentCount"])
	}
	if p["paymentFrequency"] != "MONTHLY" {
		t.Errorf("paymentFrequency = %v", p["paymentFrequency"])
	}
	if p["requestDate"] != "2025-06-01" {
		t.Errorf("requestDate = %v", p["requestDate"])
	}
	if p["product"] != "Auto Loan" {
		t.Errorf("product = %v", p["product"])
	}
	if _, ok := p["vehicleModel"]; ok {
		t.Error("empty vehicle model should be omitted")
	}
}

func TestPayloadPhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5551234567", "+545551234567"},
		{FallbackPhone, "+54" + FallbackPhone},
		{"", ""},
	}
	for _, tt := range tests {
		if got := payloadPhone(tt.in); got != tt.want {
			t.Errorf("payloadPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPayloadBool(t *testing.T) {
	falsy := []string{"no", "N", "false", "0", " inactive "}
	for _, v := range falsy {
		if payloadBool(v) {
			t.Errorf("payloadBool(%q) = true, want false", v)
		}
	}
	truthy := []string{"yes", "true", "1", "", "anything"}
	for _, v := range truthy {
		if !payloadBool(v) {
			t.Errorf("payloadBool(%q) = false, want true", v)
		}
	}
}

func TestPayloadDate(t *testing.T) {
	if got := payloadDate("15/06/2025"); got != "2025-06-15" {
		t.Errorf("payloadDate = %q", got)
	}
	if got := payloadDate("garbage"); got != "" {
		t.Errorf("payloadDate(garbage) = %q, want empty", got)
	}
}
