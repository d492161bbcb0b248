package validator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpattn/relcompose/internal/domain"
)

// RecordValidator checks record values against a relation's declared
// attribute types before they reach a gateway.
type RecordValidator struct{}

// NewRecordValidator creates a new record validator.
func NewRecordValidator() *RecordValidator {
	return &RecordValidator{}
}

// ValidationError represents a validation error
type ValidationError struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
	Value     any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid bool              `json:"is_valid"`
	Errors  []ValidationError `json:"errors"`
}

// ValidateRecord validates a record against the schema's attributes. The
// key attribute is always required; other attributes are required unless
// declared nullable. Attributes the schema does not declare are rejected.
func (rv *RecordValidator) ValidateRecord(record domain.Record, schema domain.RelationSchema) ValidationResult {
	result := ValidationResult{IsValid: true, Errors: []ValidationError{}}

	for _, attr := range schema.Attributes {
		value, exists := record[attr.Name]

		required := attr.Name == schema.KeyAttribute || !attr.Nullable
		if required && (!exists || value == nil) {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Attribute: attr.Name,
				Message:   fmt.Sprintf("required attribute '%s' is missing", attr.Name),
			})
			continue
		}
		if !exists || value == nil {
			continue
		}

		if err := validateAttributeType(attr.Name, value, attr.Type); err != nil {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Attribute: attr.Name,
				Message:   err.Error(),
				Value:     value,
			})
		}
	}

	for name := range record {
		if !schema.HasAttribute(name) {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Attribute: name,
				Message:   fmt.Sprintf("attribute '%s' is not declared on relation %s", name, schema.Name),
				Value:     record[name],
			})
		}
	}

	return result
}

func validateAttributeType(name string, value any, expected domain.AttributeType) error {
	switch expected {
	case domain.AttributeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("attribute '%s' must be a string, got %T", name, value)
		}
	case domain.AttributeInteger:
		if !isInteger(value) {
			return fmt.Errorf("attribute '%s' must be an integer, got %T", name, value)
		}
	case domain.AttributeFloat:
		if !isNumeric(value) {
			return fmt.Errorf("attribute '%s' must be a float, got %T", name, value)
		}
	case domain.AttributeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("attribute '%s' must be a boolean, got %T", name, value)
		}
	case domain.AttributeTimestamp:
		switch v := value.(type) {
		case time.Time:
			// already parsed; accept value
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("attribute '%s' must be a valid timestamp (RFC3339): %v", name, err)
			}
		default:
			return fmt.Errorf("attribute '%s' must be a timestamp, got %T", name, value)
		}
	case domain.AttributeJSON:
		if _, err := json.Marshal(value); err != nil {
			return fmt.Errorf("attribute '%s' contains invalid JSON: %v", name, err)
		}
	default:
		return fmt.Errorf("unknown attribute type: %s", expected)
	}
	return nil
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return true
	case float64:
		return v == float64(int64(v))
	case float32:
		return v == float32(int32(v))
	case json.Number:
		_, err := v.Int64()
		return err == nil
	default:
		return false
	}
}

func isNumeric(value any) bool {
	switch v := value.(type) {
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	default:
		return false
	}
}
