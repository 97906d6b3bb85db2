package common

import (
	"math"
	"strconv"
	"strings"
)

// FloatOrZero parses value as a decimal number. Anything that does not parse
// cleanly (including NaN and infinities) coerces to zero, matching the
// widget's silent handling of malformed numeric attributes.
func FloatOrZero(value string) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0
	}
	return parsed
}
