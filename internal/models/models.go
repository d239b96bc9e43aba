// Package models holds the persisted catalog schema.
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityUnavailable Availability = "unavailable"
	AvailabilityUnknown     Availability = "unknown"
)

// Run statuses as recorded on Shop.LastRunStatus and IngestionRun.Status.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Shop is a feed source.
type Shop struct {
	gorm.Model
	Name           string `gorm:"size:255;uniqueIndex;not null"`
	FeedURL        string `gorm:"size:2048;not null"`
	Disabled       bool
	LastRunAt      *time.Time
	LastRunStatus  string `gorm:"size:32"`
	LeaseOwner     string `gorm:"size:64"`
	LeaseExpiresAt *time.Time
}

// Category is a node of the normalized taxonomy. Path is the normalized
// chain of ancestors including the node itself.
type Category struct {
	gorm.Model
	Name           string `gorm:"size:255;not null"`
	NormalizedName string `gorm:"size:255;not null;uniqueIndex:idx_category_identity"`
	Path           string `gorm:"size:1024;not null;uniqueIndex:idx_category_identity"`
	ParentID       *uint  `gorm:"index"`
}

type Brand struct {
	gorm.Model
	Name           string `gorm:"size:255;not null"`
	NormalizedName string `gorm:"size:255;not null;uniqueIndex:idx_brand_identity"`
}

// Product is one shop's current offer.
type Product struct {
	gorm.Model
	ShopID                uint                `gorm:"not null;uniqueIndex:idx_product_identity"`
	IdentityKey           string              `gorm:"size:512;not null;uniqueIndex:idx_product_identity"`
	CategoryID            *uint               `gorm:"index"`
	BrandID               *uint               `gorm:"index"`
	GroupID               *uint               `gorm:"index"`
	Title                 string              `gorm:"size:1024;not null"`
	NormalizedTitle       string              `gorm:"size:1024;not null;index"`
	Description           string              `gorm:"type:text"`
	NormalizedDescription string              `gorm:"type:text"`
	Price                 decimal.Decimal     `gorm:"type:numeric(12,2);not null"`
	OriginalPrice         decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	Currency              string              `gorm:"size:3"`
	Availability          Availability        `gorm:"size:16;not null;index"`
	StockQuantity         *int
	EAN                   *string        `gorm:"size:32;index"`
	MPN                   *string        `gorm:"size:128;index"`
	ImageURL              string         `gorm:"size:2048"`
	ProductURL            string         `gorm:"size:2048"`
	Specifications        datatypes.JSON `gorm:"type:jsonb"`
	LastSeen              time.Time      `gorm:"index"`
	LastRunID             string         `gorm:"size:36;index"`
}

// ProductGroup is the cross-shop identity of one real-world product.
type ProductGroup struct {
	gorm.Model
	Title           string `gorm:"size:1024;not null"`
	NormalizedTitle string `gorm:"size:1024;not null"`
	CategoryID      *uint  `gorm:"index"`
	SummaryStale    bool   `gorm:"index"`

	// SummaryVersion grows with every change to the members; a recompute
	// only lands if the version it read is still current.
	SummaryVersion int64 `gorm:"not null;default:0"`
}

// Group key kinds, in matching priority order.
const (
	GroupKeyEAN        = "ean"
	GroupKeyMPNBrand   = "mpn_brand"
	GroupKeyTitleCateg = "title_category"
)

// GroupKey maps one identifying value to the group that owns it.
type GroupKey struct {
	ID        uint   `gorm:"primaryKey"`
	Kind      string `gorm:"size:32;not null;uniqueIndex:idx_group_key"`
	Value     string `gorm:"size:1024;not null;uniqueIndex:idx_group_key"`
	GroupID   uint   `gorm:"not null;index"`
	CreatedAt time.Time
}

// PriceSummary is derived from a group's members and rebuilt on every recompute.
type PriceSummary struct {
	gorm.Model
	GroupID        uint                `gorm:"not null;uniqueIndex"`
	BestPrice      decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	MinPrice       decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	MaxPrice       decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	AvailableCount int
	TotalShops     int
	MemberCount    int
}

// IngestionRun is the terminal record of one feed run.
type IngestionRun struct {
	gorm.Model
	RunID              string `gorm:"size:36;uniqueIndex;not null"`
	ShopID             uint   `gorm:"index;not null"`
	Status             string `gorm:"size:32;not null"`
	Error              string `gorm:"type:text"`
	ItemsSeen          int
	ItemsSkipped       int
	SkipReasons        datatypes.JSON `gorm:"type:jsonb"`
	CategoriesCreated  int
	CategoriesReused   int
	BrandsCreated      int
	BrandsReused       int
	ProductsCreated    int
	ProductsUpdated    int
	ProductsTombstoned int
	GroupsCreated      int
	GroupsTouched      int
	StartedAt          time.Time
	FinishedAt         *time.Time
	ElapsedMs          int64
}

// All lists every model for migrations.
func All() []interface{} {
	return []interface{}{
		&Shop{},
		&Category{},
		&Brand{},
		&Product{},
		&ProductGroup{},
		&GroupKey{},
		&PriceSummary{},
		&IngestionRun{},
	}
}
