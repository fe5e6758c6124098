package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/verdantlab/fieldsync/internal/types"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated failures as a single error, or nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	msgs := make([]string, len(c.errors))
	for i, e := range c.errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateDocument checks the identity fields of a syncable document
// before it is written to the ledger. The data payload is opaque and
// deliberately not inspected.
func ValidateDocument(doc *types.SyncableDocument) error {
	var c Collector
	c.Add(ValidateRequired("id", doc.ID))
	c.Add(ValidateRequired("type", doc.Type))
	c.Add(ValidateUTF8("id", doc.ID))
	c.Add(ValidateUTF8("type", doc.Type))
	c.Add(ValidateNoNullBytes("id", doc.ID))
	c.Add(ValidateNoNullBytes("type", doc.Type))
	c.Add(ValidateMaxLength("id", doc.ID, 256))
	c.Add(ValidateMaxLength("type", doc.Type, 64))
	return c.Err()
}

// ValidateDraft checks a draft observation before it is queued.
func ValidateDraft(d *types.DraftObservation) error {
	var c Collector
	c.Add(ValidateRequired("trial_id", d.TrialID))
	c.Add(ValidateRequired("observation_unit_id", d.ObservationUnitID))
	c.Add(ValidateRequired("trait_id", d.TraitID))
	c.Add(ValidateUTF8("value", d.Value))
	c.Add(ValidateNoNullBytes("value", d.Value))
	c.Add(ValidateMaxLength("value", d.Value, 4096))
	return c.Err()
}
