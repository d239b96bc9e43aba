// Package search answers filtered, sorted and paginated catalog queries over
// the committed state and counts facets for them.
package search

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"feedcatalog/internal/normalize"
)

// Sort keys.
const (
	SortRelevance    = "relevance"
	SortPriceAsc     = "price_asc"
	SortPriceDesc    = "price_desc"
	SortAvailability = "availability"
	SortNewest       = "newest"
)

// Query is a search request. A zero ShopID asks for one row per product
// group; a shop id asks for that shop's listings. The list filters are ORed
// with their single-value counterparts.
type Query struct {
	Text         string           `json:"q" validate:"max=200"`
	Category     string           `json:"category" validate:"max=255"`
	Categories   []string         `json:"categories" validate:"max=20,dive,max=255"`
	Brand        string           `json:"brand" validate:"max=255"`
	Brands       []string         `json:"brands" validate:"max=20,dive,max=255"`
	Shop         string           `json:"shop" validate:"max=255"`
	Shops        []string         `json:"shops" validate:"max=20,dive,max=255"`
	ShopID       uint             `json:"shop_id"`
	EAN          string           `json:"ean" validate:"max=32"`
	MPN          string           `json:"mpn" validate:"max=128"`
	MinPrice     *decimal.Decimal `json:"min_price"`
	MaxPrice     *decimal.Decimal `json:"max_price"`
	Availability string           `json:"availability" validate:"omitempty,oneof=available unavailable unknown"`
	InStock      bool             `json:"in_stock"`
	Sort         string           `json:"sort" validate:"omitempty,oneof=relevance price_asc price_desc availability newest"`
	Page         int              `json:"page" validate:"gte=0,lte=100000"`
	PageSize     int              `json:"page_size" validate:"gte=0"`
}

// QueryError names the parameter that made a query invalid.
type QueryError struct {
	Field  string
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// normalized checks q and fills in defaults. It never touches the store.
func (q Query) normalized(defaultPageSize, maxPageSize int) (Query, error) {
	if err := validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return q, &QueryError{Field: fe.Field(), Reason: describe(fe)}
		}
		return q, err
	}

	if q.MinPrice != nil && q.MinPrice.IsNegative() {
		return q, &QueryError{Field: "min_price", Reason: "must not be negative"}
	}
	if q.MaxPrice != nil && q.MaxPrice.IsNegative() {
		return q, &QueryError{Field: "max_price", Reason: "must not be negative"}
	}
	if q.MinPrice != nil && q.MaxPrice != nil && q.MinPrice.GreaterThan(*q.MaxPrice) {
		return q, &QueryError{Field: "min_price", Reason: "must not exceed max_price"}
	}
	if strings.TrimSpace(q.EAN) != "" && normalize.EAN(q.EAN) == nil {
		return q, &QueryError{Field: "ean", Reason: "must contain only digits"}
	}
	if q.PageSize > maxPageSize {
		return q, &QueryError{Field: "page_size", Reason: fmt.Sprintf("must be at most %d", maxPageSize)}
	}

	if q.Sort == "" {
		q.Sort = SortRelevance
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = defaultPageSize
	}
	if q.Page-1 > math.MaxInt/q.PageSize {
		return q, &QueryError{Field: "page", Reason: "too large for page_size"}
	}
	return q, nil
}

// offset is the number of rows before the page. normalized guarantees it
// does not overflow.
func (q Query) offset() int {
	return (q.Page - 1) * q.PageSize
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		if fe.Kind() == reflect.Slice {
			return "must have at most " + fe.Param() + " values"
		}
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
