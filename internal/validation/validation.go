// Package validation provides input validation helpers and middleware for
// the scoring API.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sessionguard/internal/risk"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxWeightMagnitude bounds individual weights accepted over the API.
const MaxWeightMagnitude = risk.MaxWeightMagnitude

var (
	// sessionIDRegex allows opaque IDs from collectors: UUIDs, ULIDs, tokens.
	sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)
	// featureNameRegex matches dotted feature names such as geo.threat_level.
	featureNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)
	// ruleCodeRegex matches hard rule codes such as HR_MALICIOUS_IP.
	ruleCodeRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSessionID checks a client-supplied session identifier.
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// IsValidFeatureName checks a dotted feature name.
func IsValidFeatureName(name string) bool {
	return len(name) <= 128 && featureNameRegex.MatchString(name)
}

// IsValidRuleCode checks a hard rule code.
func IsValidRuleCode(code string) bool {
	return ruleCodeRegex.MatchString(code)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidSessionID checks an optional session ID field.
func ValidSessionID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidSessionID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '.', '_', ':' or '-'"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidWeights checks every name and value in a weight map.
func ValidWeights(field string, weights map[string]float64) func() *ValidationError {
	return func() *ValidationError {
		for name, w := range weights {
			if !IsValidFeatureName(name) {
				return &ValidationError{Field: field + "." + name, Message: "is not a valid feature name"}
			}
			if math.IsNaN(w) || math.IsInf(w, 0) || math.Abs(w) > MaxWeightMagnitude {
				return &ValidationError{Field: field + "." + name, Message: "must be a finite number within ±1e6"}
			}
		}
		return nil
	}
}

// SessionIDParamMiddleware rejects malformed :sessionId URL parameters early.
func SessionIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		if id != "" && !IsValidSessionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_session_id",
				"message": "session id must be 1-128 characters of letters, digits, '.', '_', ':' or '-'",
			})
			return
		}
		c.Next()
	}
}
