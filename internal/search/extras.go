package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"feedcatalog/internal/models"
	"feedcatalog/internal/normalize"
)

var (
	ErrGroupNotFound   = errors.New("product group not found")
	ErrProductNotFound = errors.New("product not found")
)

// Offer is one shop's listing within a comparison.
type Offer struct {
	ProductID     uint                `json:"product_id"`
	ShopID        uint                `json:"shop_id"`
	Shop          string              `json:"shop"`
	Title         string              `json:"title"`
	Price         decimal.Decimal     `json:"price"`
	OriginalPrice decimal.NullDecimal `json:"original_price"`
	Currency      string              `json:"currency"`
	Availability  models.Availability `json:"availability"`
	Stock         *int                `json:"stock"`
	ProductURL    string              `json:"product_url"`
	LastSeen      time.Time           `json:"last_seen"`
}

type Comparison struct {
	GroupID  uint         `json:"group_id"`
	Title    string       `json:"title"`
	Category string       `json:"category"`
	Summary  *SummaryView `json:"price_summary"`
	Offers   []Offer      `json:"offers"`
}

// Comparison lists every member of a group, cheapest first.
func (e *Engine) Comparison(ctx context.Context, groupID uint) (*Comparison, error) {
	db := e.db.WithContext(ctx)

	var group models.ProductGroup
	if err := db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("load group %d: %w", groupID, err)
	}
	if _, err := e.aggregator.RefreshStale(ctx, []uint{groupID}); err != nil {
		return nil, err
	}

	out := &Comparison{GroupID: group.ID, Title: group.Title, Offers: []Offer{}}
	if group.CategoryID != nil {
		var cat models.Category
		if err := db.First(&cat, *group.CategoryID).Error; err == nil {
			out.Category = cat.Name
		}
	}

	summaries, err := e.aggregator.Summaries(ctx, []uint{groupID})
	if err != nil {
		return nil, err
	}
	if s, ok := summaries[groupID]; ok {
		out.Summary = summaryView(s)
	}

	err = db.Table("products AS p").
		Select(`p.id AS product_id, p.shop_id, s.name AS shop, p.title, p.price, p.original_price,
			p.currency, p.availability, p.stock_quantity AS stock, p.product_url, p.last_seen`).
		Joins("JOIN shops s ON s.id = p.shop_id").
		Where("p.group_id = ? AND p.deleted_at IS NULL", groupID).
		Order("p.price ASC, p.id ASC").
		Scan(&out.Offers).Error
	if err != nil {
		return nil, fmt.Errorf("load offers of group %d: %w", groupID, err)
	}
	return out, nil
}

// ProductView is a single listing with its identifiers.
type ProductView struct {
	ID            uint                `json:"id"`
	GroupID       *uint               `json:"group_id,omitempty"`
	ShopID        uint                `json:"shop_id"`
	Shop          string              `json:"shop"`
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	Brand         string              `json:"brand"`
	Category      string              `json:"category"`
	EAN           *string             `json:"ean"`
	MPN           *string             `json:"mpn"`
	Price         decimal.Decimal     `json:"price"`
	OriginalPrice decimal.NullDecimal `json:"original_price"`
	Currency      string              `json:"currency"`
	Availability  models.Availability `json:"availability"`
	Stock         *int                `json:"stock"`
	ImageURL      string              `json:"image_url"`
	ProductURL    string              `json:"product_url"`
	LastSeen      time.Time           `json:"last_seen"`
}

func (e *Engine) products(ctx context.Context, where string, args ...interface{}) ([]ProductView, error) {
	out := []ProductView{}
	err := e.listings(ctx).
		Select(`p.id, p.group_id, p.shop_id, s.name AS shop, p.title, p.description,
			COALESCE(b.name, '') AS brand, COALESCE(c.name, '') AS category, p.ean, p.mpn,
			p.price, p.original_price, p.currency, p.availability, p.stock_quantity AS stock,
			p.image_url, p.product_url, p.last_seen`).
		Where(where, args...).
		Order("p.price ASC, p.id ASC").
		Scan(&out).Error
	return out, err
}

// Product loads one live listing by id.
func (e *Engine) Product(ctx context.Context, id uint) (*ProductView, error) {
	rows, err := e.products(ctx, "p.id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("load product %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrProductNotFound
	}
	return &rows[0], nil
}

// ProductsByEAN lists every live listing carrying ean, cheapest first.
func (e *Engine) ProductsByEAN(ctx context.Context, ean string) ([]ProductView, error) {
	code := normalize.EAN(ean)
	if code == nil {
		return nil, &QueryError{Field: "ean", Reason: "must contain only digits"}
	}
	rows, err := e.products(ctx, "p.ean = ?", *code)
	if err != nil {
		return nil, fmt.Errorf("load products by ean %s: %w", *code, err)
	}
	if len(rows) == 0 {
		return nil, ErrProductNotFound
	}
	return rows, nil
}

// CategoryMatch is a category name and how many live listings it holds.
type CategoryMatch struct {
	Name          string `json:"name"`
	TotalProducts int    `json:"total_products"`
}

// SearchCategories finds categories whose name contains text, the fullest
// first.
func (e *Engine) SearchCategories(ctx context.Context, text string, limit int) ([]CategoryMatch, error) {
	if limit == 0 {
		limit = defaultSuggestions
	}
	if limit < 1 || limit > maxSuggestions {
		return nil, &QueryError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", maxSuggestions)}
	}
	key := normalize.Name(text)
	if utf8.RuneCountInString(key) < 2 {
		return nil, &QueryError{Field: "q", Reason: "must be at least 2 characters"}
	}

	out := []CategoryMatch{}
	err := e.db.WithContext(ctx).Table("categories AS c").
		Select("c.name AS name, COUNT(p.id) AS total_products").
		Joins("LEFT JOIN products p ON p.category_id = c.id AND p.deleted_at IS NULL").
		Where(`c.normalized_name LIKE ? ESCAPE '\'`, "%"+escapeLike(key)+"%").
		Group("c.name").
		Order("total_products DESC, c.name ASC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("search categories: %w", err)
	}
	return out, nil
}

const (
	defaultSuggestions = 10
	maxSuggestions     = 20
)

// Suggest returns category names containing text, alphabetically.
func (e *Engine) Suggest(ctx context.Context, text string, limit int) ([]string, error) {
	if limit == 0 {
		limit = defaultSuggestions
	}
	if limit < 1 || limit > maxSuggestions {
		return nil, &QueryError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", maxSuggestions)}
	}
	key := normalize.Name(text)
	if key == "" {
		return []string{}, nil
	}

	var rows []struct {
		Name           string
		NormalizedName string
	}
	err := e.db.WithContext(ctx).Model(&models.Category{}).
		Select("name, normalized_name").
		Where(`normalized_name LIKE ? ESCAPE '\'`, "%"+escapeLike(key)+"%").
		Order("normalized_name ASC, id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("suggest categories: %w", err)
	}

	// the same name appears once per distinct path
	out := []string{}
	seen := make(map[string]bool)
	for _, r := range rows {
		if seen[r.NormalizedName] {
			continue
		}
		seen[r.NormalizedName] = true
		out = append(out, strings.TrimSpace(r.Name))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stats are catalog-wide counts and the most recent run.
type Stats struct {
	Shops         int64      `json:"shops"`
	Products      int64      `json:"products"`
	Groups        int64      `json:"groups"`
	Brands        int64      `json:"brands"`
	Categories    int64      `json:"categories"`
	StaleGroups   int64      `json:"stale_groups"`
	LastSync      *time.Time `json:"last_sync"`
	LastSyncShop  string     `json:"last_sync_shop,omitempty"`
	LastSyncState string     `json:"sync_status,omitempty"`
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	db := e.db.WithContext(ctx)
	var st Stats
	counts := []struct {
		model interface{}
		dest  *int64
		stale bool
	}{
		{&models.Shop{}, &st.Shops, false},
		{&models.Product{}, &st.Products, false},
		{&models.ProductGroup{}, &st.Groups, false},
		{&models.Brand{}, &st.Brands, false},
		{&models.Category{}, &st.Categories, false},
		{&models.ProductGroup{}, &st.StaleGroups, true},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if c.stale {
			q = q.Where("summary_stale = ?", true)
		}
		if err := q.Count(c.dest).Error; err != nil {
			return nil, fmt.Errorf("catalog stats: %w", err)
		}
	}

	var last models.Shop
	err := db.Where("last_run_at IS NOT NULL").Order("last_run_at DESC").First(&last).Error
	switch {
	case err == nil:
		st.LastSync = last.LastRunAt
		st.LastSyncShop = last.Name
		st.LastSyncState = last.LastRunStatus
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("catalog stats: %w", err)
	}
	return &st, nil
}
