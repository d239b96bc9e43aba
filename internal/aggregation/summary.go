// Package aggregation derives the cross-shop price summary of every product
// group from its members.
package aggregation

import (
	"github.com/shopspring/decimal"

	"feedcatalog/internal/models"
)

// Member is the slice of a listing the summary depends on.
type Member struct {
	ShopID       uint
	Price        decimal.Decimal
	Availability models.Availability
}

// Summary is the derived view of one group.
type Summary struct {
	BestPrice      decimal.NullDecimal
	MinPrice       decimal.NullDecimal
	MaxPrice       decimal.NullDecimal
	AvailableCount int
	TotalShops     int
	MemberCount    int
}

// Summarize computes a group's summary from scratch. BestPrice is the lowest
// price among available members and stays invalid when none is available;
// MinPrice and MaxPrice cover every member.
func Summarize(members []Member) Summary {
	var s Summary
	shops := make(map[uint]struct{})

	for _, m := range members {
		s.MemberCount++
		shops[m.ShopID] = struct{}{}

		if !s.MinPrice.Valid || m.Price.LessThan(s.MinPrice.Decimal) {
			s.MinPrice = decimal.NewNullDecimal(m.Price)
		}
		if !s.MaxPrice.Valid || m.Price.GreaterThan(s.MaxPrice.Decimal) {
			s.MaxPrice = decimal.NewNullDecimal(m.Price)
		}

		if m.Availability != models.AvailabilityAvailable {
			continue
		}
		s.AvailableCount++
		if !s.BestPrice.Valid || m.Price.LessThan(s.BestPrice.Decimal) {
			s.BestPrice = decimal.NewNullDecimal(m.Price)
		}
	}

	s.TotalShops = len(shops)
	return s
}
