// Package validation provides request validation helpers for the attendguard API.
package validation

import (
	"math"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/attendguard/attendguard/internal/geo"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 2000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips NUL bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects every failure
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Latitude checks that value lies in [-90, 90]
func Latitude(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if !geo.ValidLatitude(value) {
			return &ValidationError{Field: field, Message: "must be between -90 and 90"}
		}
		return nil
	}
}

// Longitude checks that value lies in [-180, 180]
func Longitude(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if !geo.ValidLongitude(value) {
			return &ValidationError{Field: field, Message: "must be between -180 and 180"}
		}
		return nil
	}
}

// NonNegative checks that value is a finite number >= 0
func NonNegative(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return &ValidationError{Field: field, Message: "must be a non-negative number"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed. Empty values pass; combine with Required.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// UUIDParamMiddleware rejects requests whose named URL parameter is not a UUID.
func UUIDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(param); v != "" {
			if _, err := uuid.Parse(v); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": param + " must be a UUID",
				})
				return
			}
		}
		c.Next()
	}
}
