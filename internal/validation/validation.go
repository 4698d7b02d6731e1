// Package validation provides input validation middleware and helpers for
// the HTTP API.
package validation

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sentinelroad/backend/internal/geo"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields.
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, limits length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError is one field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidCoordinates checks an optional coordinate pair: both halves set
// together and within WGS84 range.
func ValidCoordinates(lat, lon *float64) func() *ValidationError {
	return func() *ValidationError {
		if (lat == nil) != (lon == nil) {
			return &ValidationError{Field: "coordinates", Message: "latitude and longitude must be paired"}
		}
		if lat == nil {
			return nil
		}
		if !(geo.Point{Lat: *lat, Lon: *lon}).Valid() {
			return &ValidationError{Field: "coordinates", Message: "out of range"}
		}
		return nil
	}
}

// ValidBBox checks that a bounding box is well-formed.
func ValidBBox(bbox geo.BBox) func() *ValidationError {
	return func() *ValidationError {
		if !bbox.Valid() {
			return &ValidationError{Field: "bbox", Message: "min must be south-west of max and coordinates in range"}
		}
		return nil
	}
}

// PositiveInt checks that an optional numeric field parses to a positive
// integer no greater than max.
func PositiveInt(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive integer"}
		}
		if max > 0 && n > max {
			return &ValidationError{Field: field, Message: "exceeds maximum of " + strconv.Itoa(max)}
		}
		return nil
	}
}

// OneOf checks that a field, when set, is one of the allowed values.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of: " + strings.Join(allowed, ", ")}
	}
}

// CoordParamMiddleware validates :lat/:lon URL parameters on routes that
// address a single sample location.
func CoordParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		lat, errLat := strconv.ParseFloat(c.Param("lat"), 64)
		lon, errLon := strconv.ParseFloat(c.Param("lon"), 64)
		if errLat != nil || errLon != nil || !(geo.Point{Lat: lat, Lon: lon}).Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_coordinates",
				"message": "lat and lon must be decimal degrees in range",
			})
			return
		}
		c.Next()
	}
}
