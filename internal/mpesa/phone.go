package mpesa

import (
	"fmt"
	"strings"
)

type PhoneFormat struct {
	CountryCode    string
	NationalLength int
}

var DefaultPhoneFormat = PhoneFormat{CountryCode: "254", NationalLength: 9}

// NormalizePhone uses DefaultPhoneFormat.
func NormalizePhone(raw string) (string, error) {
	return DefaultPhoneFormat.Normalize(raw)
}

// Normalize strips non-digits, replaces a leading trunk 0 with the country code and
// prefixes the country code when missing. The result is country code + national number.
func (f PhoneFormat) Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0"):
		digits = f.CountryCode + digits[1:]
	case !strings.HasPrefix(digits, f.CountryCode):
		digits = f.CountryCode + digits
	}

	if len(digits) != len(f.CountryCode)+f.NationalLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return digits, nil
}
