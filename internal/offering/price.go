package offering

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var symbolPrinter = message.NewPrinter(language.English)

const defaultScale = 2

// currencyScale returns the standard number of decimals for an ISO 4217
// code (2 for USD, 0 for JPY, 3 for KWD). Unknown codes use 2.
func currencyScale(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return defaultScale
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// FromMinorUnits converts an integer amount in minor units (cents) into a
// decimal using the currency's scale.
func FromMinorUnits(minor int64, code string) decimal.Decimal {
	return decimal.New(minor, -currencyScale(code))
}

// FromMicros converts a Play micros amount (1/1,000,000) into a decimal.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}

// FormatPrice renders amount as a display string for the currency, e.g.
// "$9.99", "¥980" or "CHF 12.00". An empty or unknown code renders the
// number alone.
func FormatPrice(amount decimal.Decimal, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		num := amount.StringFixed(defaultScale)
		if code == "" {
			return num
		}
		return code + " " + num
	}

	scale, _ := currency.Standard.Rounding(unit)
	num := amount.StringFixed(int32(scale))

	sym := strings.TrimSpace(symbolPrinter.Sprint(currency.NarrowSymbol(unit)))
	if sym == "" {
		sym = unit.String()
	}
	if isAlphabetic(sym) {
		return sym + " " + num
	}
	return sym + num
}

// CanonicalAmount renders a decimal as a plain numeric string with the
// currency's scale, e.g. "9.99".
func CanonicalAmount(amount decimal.Decimal, code string) string {
	if strings.TrimSpace(code) == "" {
		return amount.String()
	}
	return amount.StringFixed(currencyScale(code))
}

func isAlphabetic(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}
