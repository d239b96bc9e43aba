// Package normalize derives canonical keys and typed values from raw feed
// strings. Everything here is pure: no I/O, no shared state.
package normalize

import (
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"feedcatalog/internal/models"
)

// PathSeparator joins normalized category segments into a path.
const PathSeparator = "/"

// ErrInvalidPrice is returned for price text that does not hold a
// non-negative decimal amount.
var ErrInvalidPrice = errors.New("invalid price")

// Name lower-cases s, trims it and collapses internal whitespace.
func Name(s string) string {
	// A Caser keeps state between calls and must not be shared.
	lower := cases.Lower(language.Und).String(norm.NFC.String(s))
	return strings.Join(strings.Fields(lower), " ")
}

// Display trims and collapses whitespace but keeps the original casing.
func Display(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func isCategorySeparator(r rune) bool {
	return r == '>' || r == '/' || r == '|'
}

// CategorySegments splits a shop category such as "Electronics > TV & Video"
// into display segments, root first. Empty segments are dropped.
func CategorySegments(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, isCategorySeparator) {
		if seg := Display(part); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// CategoryPath normalizes every segment and joins them root first.
func CategoryPath(segments []string) string {
	keys := make([]string, 0, len(segments))
	for _, s := range segments {
		if k := Name(s); k != "" {
			keys = append(keys, k)
		}
	}
	return strings.Join(keys, PathSeparator)
}

// Price parses shop price text such as "1.299,00 €" or "$19.99".
//
// When both separators occur the last one is the decimal point. A lone comma
// is a decimal comma; repeated commas or dots are thousands separators.
func Price(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidPrice
	}

	var b strings.Builder
	negative := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == ',', r == '.':
			b.WriteRune(r)
		case r == '-':
			negative = true
		case unicode.IsSpace(r), r == '\'':
			// thousands grouping
		case unicode.IsLetter(r), unicode.Is(unicode.Sc, r):
			// currency symbols and codes
		default:
			return decimal.Zero, ErrInvalidPrice
		}
	}
	if negative {
		return decimal.Zero, ErrInvalidPrice
	}

	num := resolveSeparators(b.String())
	if num == "" || strings.Trim(num, ".") == "" {
		return decimal.Zero, ErrInvalidPrice
	}

	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, ErrInvalidPrice
	}
	return d.Round(2), nil
}

func resolveSeparators(num string) string {
	lastComma := strings.LastIndex(num, ",")
	lastDot := strings.LastIndex(num, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			return strings.Replace(num, ",", ".", 1)
		}
		return strings.ReplaceAll(num, ",", "")
	case lastComma >= 0:
		if strings.Count(num, ",") > 1 {
			return strings.ReplaceAll(num, ",", "")
		}
		return strings.Replace(num, ",", ".", 1)
	case lastDot >= 0 && strings.Count(num, ".") > 1:
		return strings.ReplaceAll(num, ".", "")
	}
	return num
}

var currencySymbols = map[string]string{
	"€":  "EUR",
	"$":  "USD",
	"£":  "GBP",
	"¥":  "JPY",
	"₺":  "TRY",
	"zł": "PLN",
	"лв": "BGN",
}

var currencyCodes = map[string]bool{
	"EUR": true, "USD": true, "GBP": true, "JPY": true, "TRY": true,
	"PLN": true, "BGN": true, "RON": true, "CHF": true, "AED": true,
}

// Currency picks the declared currency if it is a known ISO code, else one
// detected in the price text, else fallback.
func Currency(priceText, declared, fallback string) string {
	if code := strings.ToUpper(strings.TrimSpace(declared)); currencyCodes[code] {
		return code
	}
	for _, word := range strings.FieldsFunc(strings.ToUpper(priceText), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if currencyCodes[word] {
			return word
		}
	}
	for sym, code := range currencySymbols {
		if strings.Contains(priceText, sym) {
			return code
		}
	}
	return fallback
}

var availabilityTerms = map[string]models.Availability{
	"true":                     models.AvailabilityAvailable,
	"1":                        models.AvailabilityAvailable,
	"yes":                      models.AvailabilityAvailable,
	"y":                        models.AvailabilityAvailable,
	"available":                models.AvailabilityAvailable,
	"in stock":                 models.AvailabilityAvailable,
	"instock":                  models.AvailabilityAvailable,
	"in_stock":                 models.AvailabilityAvailable,
	"διαθέσιμο":                models.AvailabilityAvailable,
	"άμεσα διαθέσιμο":          models.AvailabilityAvailable,
	"παράδοση σε 1 - 3 ημέρες": models.AvailabilityAvailable,
	"disponible":               models.AvailabilityAvailable,
	"en stock":                 models.AvailabilityAvailable,
	"auf lager":                models.AvailabilityAvailable,
	"disponibile":              models.AvailabilityAvailable,

	"false":            models.AvailabilityUnavailable,
	"0":                models.AvailabilityUnavailable,
	"no":               models.AvailabilityUnavailable,
	"n":                models.AvailabilityUnavailable,
	"unavailable":      models.AvailabilityUnavailable,
	"out of stock":     models.AvailabilityUnavailable,
	"outofstock":       models.AvailabilityUnavailable,
	"out_of_stock":     models.AvailabilityUnavailable,
	"sold out":         models.AvailabilityUnavailable,
	"μη διαθέσιμο":     models.AvailabilityUnavailable,
	"εξαντλήθηκε":      models.AvailabilityUnavailable,
	"agotado":          models.AvailabilityUnavailable,
	"no disponible":    models.AvailabilityUnavailable,
	"rupture de stock": models.AvailabilityUnavailable,
	"nicht auf lager":  models.AvailabilityUnavailable,
	"ausverkauft":      models.AvailabilityUnavailable,
	"esaurito":         models.AvailabilityUnavailable,
	"non disponibile":  models.AvailabilityUnavailable,
}

// Availability maps shop wording onto the tri-state. Anything outside the
// vocabulary, including an empty string, is unknown.
func Availability(s string) models.Availability {
	if a, ok := availabilityTerms[Name(s)]; ok {
		return a
	}
	return models.AvailabilityUnknown
}

// Stock parses a non-negative integer quantity. Anything else is nil.
func Stock(s string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// EAN strips spaces and hyphens; a code containing anything but digits is
// dropped.
func EAN(s string) *string {
	code := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if code == "" {
		return nil
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return nil
		}
	}
	return &code
}

// MPN upper-cases and collapses whitespace.
func MPN(s string) *string {
	mpn := strings.ToUpper(strings.Join(strings.Fields(s), " "))
	if mpn == "" {
		return nil
	}
	return &mpn
}
