// Package validation provides input validation helpers for the OjaPay API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ojapay/ojapay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 1000

// accountIDRegex matches the prefixed identifiers issued by idgen plus the
// fixed platform account names.
var accountIDRegex = regexp.MustCompile(`^[a-z]+_[a-zA-Z0-9-]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks a prefixed identifier (acct_…, lst_…, ord_…, dsp_…).
func IsValidID(id string) bool {
	return accountIDRegex.MatchString(id)
}

// SanitizeString trims whitespace and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return strings.Join(parts, "; ")
}

// Check is a single validation to run.
type Check func() *FieldError

// Validate runs all checks and collects failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// ValidID checks that value is a well-formed prefixed identifier.
func ValidID(field, value string) Check {
	return func() *FieldError {
		if !IsValidID(value) {
			return &FieldError{Field: field, Message: "must be a valid identifier"}
		}
		return nil
	}
}

// ValidAmount checks that value parses as a positive Naira amount.
func ValidAmount(field, value string) Check {
	return func() *FieldError {
		if _, err := money.ParsePositive(value); err != nil {
			return &FieldError{Field: field, Message: "must be a positive amount with at most 2 decimal places"}
		}
		return nil
	}
}

// NonEmpty checks that value has content after trimming.
func NonEmpty(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "must not be empty"}
		}
		return nil
	}
}
