package cardvault

import "strings"

// Digits strips spaces, dashes and any other non-digit from a card number.
func Digits(pan string) string {
	var b strings.Builder
	b.Grow(len(pan))
	for _, r := range pan {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BIN returns the first six digits, or "" for numbers shorter than that.
func BIN(pan string) string {
	digits := Digits(pan)
	if len(digits) < 6 {
		return ""
	}
	return digits[:6]
}

func Last4(pan string) string {
	digits := Digits(pan)
	if len(digits) < 4 {
		return ""
	}
	return digits[len(digits)-4:]
}

// Mask renders BIN + X padding + last4, e.g. 411111XXXXXX1111.
func Mask(pan string) string {
	digits := Digits(pan)
	if len(digits) < 10 {
		return strings.Repeat("X", len(digits))
	}
	return digits[:6] + strings.Repeat("X", len(digits)-10) + digits[len(digits)-4:]
}

// Brand infers the card network from the IIN ranges.
func Brand(pan string) string {
	digits := Digits(pan)
	if digits == "" {
		return "Unknown"
	}
	prefix2 := prefixInt(digits, 2)
	prefix4 := prefixInt(digits, 4)
	switch {
	case digits[0] == '4':
		return "Visa"
	case prefix2 >= 51 && prefix2 <= 55, prefix4 >= 2221 && prefix4 <= 2720:
		return "Mastercard"
	case prefix2 == 34 || prefix2 == 37:
		return "Amex"
	case prefix2 == 36 || prefix2 == 38 || (prefix2 == 30 && prefixInt(digits, 3) <= 305):
		return "Diners"
	case prefix4 == 6011 || prefix2 == 65:
		return "Discover"
	case prefix2 == 35:
		return "JCB"
	default:
		return "Unknown"
	}
}

func prefixInt(digits string, n int) int {
	if len(digits) < n {
		return -1
	}
	value := 0
	for _, r := range digits[:n] {
		value = value*10 + int(r-'0')
	}
	return value
}
