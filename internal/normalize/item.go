package normalize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"feedcatalog/internal/feed"
	"feedcatalog/internal/models"
)

// Skip reasons recorded in run statistics.
const (
	SkipMissingTitle    = "missing_title"
	SkipInvalidPrice    = "invalid_price"
	SkipMissingIdentity = "missing_identity"
)

// SkipError marks an item whose data cannot enter the catalog.
type SkipError struct {
	Reason string
	Detail string
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return "item skipped: " + e.Reason
	}
	return fmt.Sprintf("item skipped: %s: %s", e.Reason, e.Detail)
}

// Item is a feed entry in canonical form.
type Item struct {
	Title                 string
	NormalizedTitle       string
	Description           string
	NormalizedDescription string
	Price                 decimal.Decimal
	OriginalPrice         decimal.NullDecimal
	Currency              string
	Availability          models.Availability
	Stock                 *int
	EAN                   *string
	MPN                   *string
	Brand                 string
	BrandKey              string
	CategorySegments      []string
	ImageURL              string
	ProductURL            string
	Specs                 map[string]string
}

// NormalizeItem validates and canonicalizes one raw feed entry. Failures are
// *SkipError.
func NormalizeItem(raw feed.RawItem, defaultCurrency string) (Item, error) {
	item := Item{
		Title:                 Display(raw.Title),
		NormalizedTitle:       Name(raw.Title),
		Description:           strings.TrimSpace(raw.Description),
		NormalizedDescription: Name(raw.Description),
		Availability:          Availability(raw.Availability),
		Stock:                 Stock(raw.Stock),
		EAN:                   EAN(raw.EAN),
		MPN:                   MPN(raw.MPN),
		Brand:                 Display(raw.Brand),
		BrandKey:              Name(raw.Brand),
		CategorySegments:      CategorySegments(raw.Category),
		ImageURL:              firstURL(raw.ImageURL),
		ProductURL:            strings.TrimSpace(raw.ProductURL),
		Specs:                 raw.Specs,
	}

	if item.NormalizedTitle == "" {
		if item.EAN == nil && item.MPN == nil {
			return Item{}, &SkipError{Reason: SkipMissingIdentity}
		}
		return Item{}, &SkipError{Reason: SkipMissingTitle}
	}

	price, err := Price(raw.Price)
	if err != nil {
		return Item{}, &SkipError{Reason: SkipInvalidPrice, Detail: fmt.Sprintf("%q", raw.Price)}
	}
	item.Price = price

	if raw.OriginalPrice != "" {
		if op, err := Price(raw.OriginalPrice); err == nil {
			item.OriginalPrice = decimal.NullDecimal{Decimal: op, Valid: true}
		}
	}

	item.Currency = Currency(raw.Price, raw.Currency, defaultCurrency)
	return item, nil
}

// firstURL picks the main image when a shop packs several into one field.
func firstURL(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '|' || r == ' ' || r == '\n' || r == '\t'
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
