package httpserver

import (
	"regexp"
	"strconv"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the aggregate outcome of request validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID checks a path job id before it hits the database. IDs are
// UUIDs in practice but any short opaque token is accepted.
func ValidateJobID(jobID string) ValidationResult {
	if jobID == "" {
		return invalid("id", "REQUIRED", "job id is required")
	}
	if len(jobID) > 100 {
		return invalid("id", "TOO_LONG", "job id is too long (max 100 characters)")
	}
	if !validJobID.MatchString(jobID) {
		return invalid("id", "INVALID_FORMAT", "job id contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

// ValidatePagination validates page and limit query parameters.
func ValidatePagination(page, limit string) ValidationResult {
	var errs []ValidationError
	if page != "" {
		if n, err := strconv.Atoi(page); err != nil || n < 1 {
			errs = append(errs, ValidationError{Field: "page", Code: "INVALID_FORMAT", Message: "page must be a positive integer"})
		}
	}
	if limit != "" {
		if n, err := strconv.Atoi(limit); err != nil || n < 1 || n > 200 {
			errs = append(errs, ValidationError{Field: "limit", Code: "INVALID_FORMAT", Message: "limit must be between 1 and 200"})
		}
	}
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}

func invalid(field, code, msg string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: msg}}}
}
