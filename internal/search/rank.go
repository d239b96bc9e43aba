package search

import (
	"fmt"
	"strings"

	"feedcatalog/internal/models"
)

// Relevance weights. An exact title beats a title prefix, which beats the
// number of query tokens in the title. Description hits only count when the
// description tiebreak is enabled. A query has at most 100 tokens, so the
// weights never overlap.
const (
	tierWeight  = 1000000
	tokenWeight = 1000
)

const availabilityRankSQL = "CASE p.availability WHEN 'available' THEN 0 WHEN 'unknown' THEN 1 ELSE 2 END"

// relevanceSQL builds the per-listing relevance score. A row scores as its
// best matching listing.
func relevanceSQL(text string, tokens []string, withDesc bool) (string, []interface{}) {
	if text == "" {
		return "0", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, `(CASE WHEN p.normalized_title = ? THEN 2 WHEN p.normalized_title LIKE ? ESCAPE '\' THEN 1 ELSE 0 END) * %d`, tierWeight)
	args := []interface{}{text, escapeLike(text) + "%"}
	for _, tok := range tokens {
		fmt.Fprintf(&b, ` + (CASE WHEN p.normalized_title LIKE ? ESCAPE '\' THEN %d ELSE 0 END)`, tokenWeight)
		args = append(args, "%"+escapeLike(tok)+"%")
	}
	if withDesc {
		for _, tok := range tokens {
			b.WriteString(` + (CASE WHEN p.normalized_description LIKE ? ESCAPE '\' THEN 1 ELSE 0 END)`)
			args = append(args, "%"+escapeLike(tok)+"%")
		}
	}
	return b.String(), args
}

// rowOrder orders page rows by sort key and always falls back to ascending
// row key, which keeps pages stable while ingestion adds rows. It refers to
// the aliases selected by pageKeys.
func rowOrder(sortKey string) string {
	switch sortKey {
	case SortPriceAsc:
		return "row_price ASC, row_key ASC"
	case SortPriceDesc:
		return "row_price DESC, row_key ASC"
	case SortAvailability:
		return "avail_rank ASC, row_key ASC"
	case SortNewest:
		return "newest DESC, row_key ASC"
	default:
		return "score DESC, row_key ASC"
	}
}

// bestAvailability maps an availability rank back to its value.
var bestAvailability = []models.Availability{
	models.AvailabilityAvailable,
	models.AvailabilityUnknown,
	models.AvailabilityUnavailable,
}
