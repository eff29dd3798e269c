package messaging

import "strings"

// CountryCode is prefixed to local numbers.
const CountryCode = "56"

// NormalizePhone strips everything but digits and prefixes the country code
// when missing. Empty input yields an empty string.
func NormalizePhone(value string) string {
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, CountryCode) {
		return digits
	}
	return CountryCode + digits
}

// MaskPhone keeps only the last four digits.
func MaskPhone(value string) string {
	digits := sanitizePhone(value)
	if len(digits) <= 4 {
		return "***" + digits
	}
	return "***" + digits[len(digits)-4:]
}

func sanitizePhone(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
