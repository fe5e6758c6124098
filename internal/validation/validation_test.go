package validation

import (
	"testing"

	"github.com/verdantlab/fieldsync/internal/types"
)

// --- ValidateUTF8 Tests ---

func TestValidateUTF8_Valid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"ascii", "plant_height"},
		{"empty", ""},
		{"unicode", "Sorghum 高粱"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUTF8("field", tt.value)
			if err != nil {
				t.Errorf("ValidateUTF8(%q) = %v, want nil", tt.value, err)
			}
		})
	}
}

func TestValidateUTF8_Invalid(t *testing.T) {
	invalidUTF8 := string([]byte{0xff, 0xfe})

	err := ValidateUTF8("value", invalidUTF8)
	if err == nil {
		t.Error("ValidateUTF8(invalid) = nil, want error")
	}
	if err != nil && err.Field != "value" {
		t.Errorf("error.Field = %q, want %q", err.Field, "value")
	}
}

// --- ValidateRequired Tests ---

func TestValidateRequired(t *testing.T) {
	if err := ValidateRequired("id", "obs-1"); err != nil {
		t.Errorf("ValidateRequired(non-empty) = %v, want nil", err)
	}
	if err := ValidateRequired("id", "   "); err == nil {
		t.Error("ValidateRequired(whitespace) = nil, want error")
	}
}

// --- Collector Tests ---

func TestCollector_AccumulatesErrors(t *testing.T) {
	var c Collector
	c.Add(ValidateRequired("id", ""))
	c.Add(ValidateRequired("type", "observation"))
	c.Add(ValidateMaxLength("type", "observation", 4))

	if !c.HasErrors() {
		t.Fatal("expected collector to have errors")
	}
	if got := len(c.Errors()); got != 2 {
		t.Errorf("expected 2 errors, got %d", got)
	}
	if c.Err() == nil {
		t.Error("Err() = nil, want combined error")
	}
}

func TestCollector_Empty(t *testing.T) {
	var c Collector
	if c.HasErrors() {
		t.Error("fresh collector should have no errors")
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil", c.Err())
	}
}

// --- Domain validators ---

func TestValidateDocument(t *testing.T) {
	doc := &types.SyncableDocument{ID: "obs-1", Type: "observation"}
	if err := ValidateDocument(doc); err != nil {
		t.Errorf("ValidateDocument(valid) = %v, want nil", err)
	}

	doc = &types.SyncableDocument{ID: "", Type: "observation"}
	if err := ValidateDocument(doc); err == nil {
		t.Error("ValidateDocument(missing id) = nil, want error")
	}

	doc = &types.SyncableDocument{ID: "obs\x001", Type: "observation"}
	if err := ValidateDocument(doc); err == nil {
		t.Error("ValidateDocument(null byte in id) = nil, want error")
	}
}

func TestValidateDraft(t *testing.T) {
	d := &types.DraftObservation{
		TrialID:           "trial-1",
		ObservationUnitID: "unit-1",
		TraitID:           "plant_height",
		Value:             "125",
	}
	if err := ValidateDraft(d); err != nil {
		t.Errorf("ValidateDraft(valid) = %v, want nil", err)
	}

	d.TraitID = ""
	if err := ValidateDraft(d); err == nil {
		t.Error("ValidateDraft(missing trait) = nil, want error")
	}
}
