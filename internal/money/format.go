// Package money renders currency amounts through storefront money-format
// templates of the kind shipped in theme settings.
package money

import (
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Format substitutes amount into the provided money-format template. Four
// placeholder forms are recognised; unknown placeholders are left untouched.
// An empty template falls back to a plain two-decimal string with a trailing
// ".00" stripped.
func Format(amount float64, format string) string {
	if strings.TrimSpace(format) == "" {
		return strings.TrimSuffix(strconv.FormatFloat(amount, 'f', 2, 64), ".00")
	}
	return placeholderPattern.ReplaceAllStringFunc(format, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		switch name {
		case "amount":
			return withDelimiters(amount, 2, ",", ".")
		case "amount_no_decimals":
			return withDelimiters(amount, 0, ",", ".")
		case "amount_with_comma_separator":
			return withDelimiters(amount, 2, ".", ",")
		case "amount_no_decimals_with_comma_separator":
			return withDelimiters(amount, 0, ".", ",")
		default:
			return match
		}
	})
}

func withDelimiters(amount float64, precision int, thousands, decimal string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	fixed := strconv.FormatFloat(amount, 'f', precision, 64)
	intPart := fixed
	fracPart := ""
	if idx := strings.IndexByte(fixed, '.'); idx >= 0 {
		intPart, fracPart = fixed[:idx], fixed[idx+1:]
	}
	var grouped strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			grouped.WriteString(thousands)
		}
		grouped.WriteRune(digit)
	}
	out := sign + grouped.String()
	if fracPart != "" {
		out += decimal + fracPart
	}
	return out
}
