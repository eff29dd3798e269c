package auth

import (
	"strconv"
	"strings"
)

// CleanRUT strips dots, hyphens and spaces and upper-cases the verifier.
func CleanRUT(rut string) string {
	return strings.ToUpper(strings.NewReplacer(".", "", "-", "", " ", "").Replace(strings.TrimSpace(rut)))
}

// ValidRUT checks length and the mod-11 verifier digit.
func ValidRUT(rut string) bool {
	clean := CleanRUT(rut)
	if len(clean) < 8 || len(clean) > 9 {
		return false
	}
	body, verifier := clean[:len(clean)-1], clean[len(clean)-1:]
	expected, ok := rutVerifier(body)
	return ok && verifier == expected
}

func rutVerifier(body string) (string, bool) {
	sum, multiplier := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		d := body[i]
		if d < '0' || d > '9' {
			return "", false
		}
		sum += int(d-'0') * multiplier
		if multiplier == 7 {
			multiplier = 2
		} else {
			multiplier++
		}
	}
	switch v := 11 - sum%11; v {
	case 11:
		return "0", true
	case 10:
		return "K", true
	default:
		return strconv.Itoa(v), true
	}
}

// FormatRUT renders a RUT as body-verifier. It does not validate.
func FormatRUT(rut string) string {
	clean := CleanRUT(rut)
	if len(clean) < 2 {
		return clean
	}
	return clean[:len(clean)-1] + "-" + clean[len(clean)-1:]
}

// NormalizeRUT validates and formats in one step.
func NormalizeRUT(rut string) (string, error) {
	if !ValidRUT(rut) {
		return "", ErrInvalidIdentifier
	}
	return FormatRUT(rut), nil
}
