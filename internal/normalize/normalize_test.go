package normalize

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedcatalog/internal/feed"
	"feedcatalog/internal/models"
)

func TestName(t *testing.T) {
	cases := map[string]string{
		"  Laptops ":       "laptops",
		"TV   &\tVideo":    "tv & video",
		"ΚΙΝΗΤΑ  Τηλέφωνα": "κινητα τηλέφωνα",
		"":                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Name(in), "input %q", in)
	}
}

func TestCategorySegmentsAndPath(t *testing.T) {
	segs := CategorySegments(" Electronics > TV  &  Video | 4K ")
	assert.Equal(t, []string{"Electronics", "TV & Video", "4K"}, segs)
	assert.Equal(t, "electronics/tv & video/4k", CategoryPath(segs))

	assert.Equal(t, []string{"Laptops"}, CategorySegments("Laptops"))
	assert.Empty(t, CategorySegments(" > / | "))
	assert.Equal(t, "", CategoryPath(nil))
}

func TestPrice(t *testing.T) {
	ok := map[string]string{
		"10.00":      "10",
		"8":          "8",
		"199,90":     "199.9",
		"1.299,00 €": "1299",
		"1,299.50":   "1299.5",
		"$19.99":     "19.99",
		"349.00 EUR": "349",
		"1 299,99":   "1299.99",
		"1.234.567":  "1234567",
		"12.345":     "12.35",
		"0,5":        "0.5",
	}
	for in, want := range ok {
		got, err := Price(in)
		require.NoError(t, err, "input %q", in)
		assert.True(t, decimal.RequireFromString(want).Equal(got), "input %q: got %s", in, got)
	}

	for _, in := range []string{"", "free", "-5", "€", "12#5", "."} {
		_, err := Price(in)
		assert.True(t, errors.Is(err, ErrInvalidPrice), "input %q", in)
	}
}

func TestCurrency(t *testing.T) {
	assert.Equal(t, "USD", Currency("19.99", "usd", "EUR"))
	assert.Equal(t, "GBP", Currency("£19.99", "", "EUR"))
	assert.Equal(t, "EUR", Currency("349.00 EUR", "", "USD"))
	assert.Equal(t, "EUR", Currency("19.99", "XXX", "EUR"))
}

func TestAvailabilityVocabulary(t *testing.T) {
	cases := map[string]models.Availability{
		"In Stock":        models.AvailabilityAvailable,
		"yes":             models.AvailabilityAvailable,
		"TRUE":            models.AvailabilityAvailable,
		"Y":               models.AvailabilityAvailable,
		"Διαθέσιμο":       models.AvailabilityAvailable,
		"auf Lager":       models.AvailabilityAvailable,
		"out of stock":    models.AvailabilityUnavailable,
		"No":              models.AvailabilityUnavailable,
		"false":           models.AvailabilityUnavailable,
		"Agotado":         models.AvailabilityUnavailable,
		"":                models.AvailabilityUnknown,
		"preorder":        models.AvailabilityUnknown,
		"ships in 2 days": models.AvailabilityUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, Availability(in), "input %q", in)
	}
}

func TestIdentifiers(t *testing.T) {
	assert.Equal(t, "4006381333931", *EAN(" 4006-381 333931 "))
	assert.Nil(t, EAN("N/A"))
	assert.Nil(t, EAN(""))
	assert.Equal(t, "910-005694", *MPN(" 910-005694 "))
	assert.Equal(t, "MX A2", *MPN("mx   a2"))
	assert.Nil(t, MPN("  "))
	assert.Equal(t, 4, *Stock("4"))
	assert.Nil(t, Stock("-1"))
	assert.Nil(t, Stock("many"))
}

func TestNormalizeItem(t *testing.T) {
	item, err := NormalizeItem(feed.RawItem{
		Title:         "  Apple   TV 4K ",
		Price:         "199,90 €",
		OriginalPrice: "229,00",
		Availability:  "in stock",
		EAN:           "0194253",
		Brand:         " Apple ",
		Category:      "Electronics > TV & Video",
		ImageURL:      "https://img.test/a.jpg,https://img.test/b.jpg",
	}, "USD")
	require.NoError(t, err)

	assert.Equal(t, "Apple TV 4K", item.Title)
	assert.Equal(t, "apple tv 4k", item.NormalizedTitle)
	assert.True(t, decimal.RequireFromString("199.90").Equal(item.Price))
	assert.True(t, item.OriginalPrice.Valid)
	assert.Equal(t, "EUR", item.Currency)
	assert.Equal(t, models.AvailabilityAvailable, item.Availability)
	assert.Equal(t, "apple", item.BrandKey)
	assert.Equal(t, []string{"Electronics", "TV & Video"}, item.CategorySegments)
	assert.Equal(t, "https://img.test/a.jpg", item.ImageURL)
}

func TestNormalizeItemSkips(t *testing.T) {
	cases := []struct {
		name   string
		raw    feed.RawItem
		reason string
	}{
		{"no identity at all", feed.RawItem{Price: "1"}, SkipMissingIdentity},
		{"ean without title", feed.RawItem{EAN: "123", Price: "1"}, SkipMissingTitle},
		{"non numeric price", feed.RawItem{Title: "x", Price: "call us"}, SkipInvalidPrice},
		{"missing price", feed.RawItem{Title: "x"}, SkipInvalidPrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeItem(tc.raw, "EUR")
			var se *SkipError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.reason, se.Reason)
		})
	}
}
