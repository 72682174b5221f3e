// Package validation provides input validation utilities
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validator collects validation errors
type Validator struct {
	errors []string
}

// New creates a new Validator
func New() *Validator {
	return &Validator{
		errors: []string{},
	}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// Err returns the collected errors as one error, or nil
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return errors.New(strings.Join(v.errors, "; "))
}

// AddError adds a custom error
func (v *Validator) AddError(message string) {
	v.errors = append(v.errors, message)
}

// Required validates that a value is not empty
func (v *Validator) Required(value, field string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
	return v
}

// RequiredSlice validates that a list has at least one non-empty entry
func (v *Validator) RequiredSlice(values []string, field string) *Validator {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return v
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	return v
}

// Range validates value is within range
func (v *Validator) Range(value, min, max int, field string) *Validator {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
	return v
}

// PositiveDuration validates that a duration is greater than zero
func (v *Validator) PositiveDuration(value time.Duration, field string) *Validator {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
	return v
}

// OneOf validates value is one of allowed values
func (v *Validator) OneOf(value string, allowed []string, field string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
	return v
}

// Identifier validates a name that is written into SQL unquoted
func (v *Validator) Identifier(value, field string) *Validator {
	if !identifierRe.MatchString(value) {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a plain SQL identifier", field))
	}
	return v
}
