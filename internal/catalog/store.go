// Package catalog is the storage boundary of the catalog. Every create path
// is a single atomic insert guarded by a unique index; losing a race means
// reading the row the winner wrote.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedcatalog/internal/models"
	"feedcatalog/internal/normalize"
)

// ErrDuplicate is returned by an insert that lost to an existing row. It is
// absorbed inside this package and never reaches callers of the resolve
// operations.
var ErrDuplicate = errors.New("duplicate entity")

// IsDuplicate reports whether err is a unique-constraint violation from any
// of the supported drivers.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Outcome counts rows created and reused by one resolve call.
type Outcome struct {
	Created int
	Reused  int
}

func (o *Outcome) add(created bool) {
	if created {
		o.Created++
	} else {
		o.Reused++
	}
}

// Store wraps the catalog tables.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read paths.
func (s *Store) DB() *gorm.DB { return s.db }

// insertOnce inserts value unless a row with the same unique key exists.
func insertOnce(db *gorm.DB, value interface{}) error {
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(value)
	if res.Error != nil {
		if IsDuplicate(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// EnsureCategory resolves the chain of display segments, root first, to
// category rows and returns the leaf. Ancestors are resolved first so every
// node carries its parent link. An empty chain resolves to nil.
func (s *Store) EnsureCategory(ctx context.Context, segments []string) (*models.Category, Outcome, error) {
	var (
		out    Outcome
		parent *models.Category
		keys   []string
	)
	for _, seg := range segments {
		key := normalize.Name(seg)
		if key == "" {
			continue
		}
		keys = append(keys, key)

		node := models.Category{
			Name:           seg,
			NormalizedName: key,
			Path:           strings.Join(keys, normalize.PathSeparator),
		}
		if parent != nil {
			node.ParentID = &parent.ID
		}

		cat, created, err := s.ensureCategoryNode(ctx, node)
		if err != nil {
			return nil, out, err
		}
		out.add(created)
		parent = cat
	}
	return parent, out, nil
}

func (s *Store) ensureCategoryNode(ctx context.Context, node models.Category) (*models.Category, bool, error) {
	find := func() (*models.Category, error) {
		var rows []models.Category
		err := s.db.WithContext(ctx).
			Where("normalized_name = ? AND path = ?", node.NormalizedName, node.Path).
			Order("id asc").
			Find(&rows).Error
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		if len(rows) > 1 {
			logrus.WithFields(logrus.Fields{
				"normalized_name": node.NormalizedName,
				"path":            node.Path,
				"rows":            len(rows),
				"kept_id":         rows[0].ID,
			}).Warn("Duplicate categories found, using lowest id")
		}
		return &rows[0], nil
	}

	if cat, err := find(); err != nil || cat != nil {
		return cat, false, err
	}

	err := insertOnce(s.db.WithContext(ctx), &node)
	if err == nil {
		return &node, true, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return nil, false, fmt.Errorf("create category %q: %w", node.Path, err)
	}

	cat, err := find()
	if err != nil {
		return nil, false, err
	}
	if cat == nil {
		return nil, false, fmt.Errorf("category %q conflicted but cannot be read back", node.Path)
	}
	return cat, false, nil
}

// EnsureBrand resolves a brand by normalized name. A blank name resolves to nil.
func (s *Store) EnsureBrand(ctx context.Context, name string) (*models.Brand, bool, error) {
	key := normalize.Name(name)
	if key == "" {
		return nil, false, nil
	}

	find := func() (*models.Brand, error) {
		var rows []models.Brand
		err := s.db.WithContext(ctx).Where("normalized_name = ?", key).Order("id asc").Find(&rows).Error
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		if len(rows) > 1 {
			logrus.WithFields(logrus.Fields{
				"normalized_name": key,
				"rows":            len(rows),
				"kept_id":         rows[0].ID,
			}).Warn("Duplicate brands found, using lowest id")
		}
		return &rows[0], nil
	}

	if b, err := find(); err != nil || b != nil {
		return b, false, err
	}

	brand := models.Brand{Name: normalize.Display(name), NormalizedName: key}
	err := insertOnce(s.db.WithContext(ctx), &brand)
	if err == nil {
		return &brand, true, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return nil, false, fmt.Errorf("create brand %q: %w", key, err)
	}

	b, err := find()
	if err != nil {
		return nil, false, err
	}
	if b == nil {
		return nil, false, fmt.Errorf("brand %q conflicted but cannot be read back", key)
	}
	return b, false, nil
}

// ProductChange describes what an upsert did to a listing.
type ProductChange struct {
	Product          *models.Product
	Created          bool
	PrevGroupID      *uint
	PrevPrice        decimal.Decimal
	PrevAvailability models.Availability
}

var productUpdateColumns = []string{
	"category_id", "brand_id", "title", "normalized_title", "description", "normalized_description",
	"price", "original_price", "currency", "availability", "stock_quantity",
	"ean", "mpn", "image_url", "product_url", "specifications",
	"last_seen", "last_run_id", "updated_at",
}

// UpsertProduct inserts p or updates the listing with the same shop and
// identity key in place. The group link of an existing listing is kept.
func (s *Store) UpsertProduct(ctx context.Context, p *models.Product) (ProductChange, error) {
	existing, err := s.findProduct(ctx, p.ShopID, p.IdentityKey)
	if err != nil {
		return ProductChange{}, err
	}

	if existing == nil {
		err := insertOnce(s.db.WithContext(ctx), p)
		if err == nil {
			return ProductChange{Product: p, Created: true}, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return ProductChange{}, fmt.Errorf("create product %q: %w", p.IdentityKey, err)
		}
		if existing, err = s.findProduct(ctx, p.ShopID, p.IdentityKey); err != nil {
			return ProductChange{}, err
		}
		if existing == nil {
			return ProductChange{}, fmt.Errorf("product %q conflicted but cannot be read back", p.IdentityKey)
		}
	}

	change := ProductChange{
		PrevGroupID:      existing.GroupID,
		PrevPrice:        existing.Price,
		PrevAvailability: existing.Availability,
	}

	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.GroupID = existing.GroupID
	p.UpdatedAt = time.Now()
	err = s.db.WithContext(ctx).Model(p).Select(productUpdateColumns).Updates(p).Error
	if err != nil {
		return ProductChange{}, fmt.Errorf("update product %d: %w", p.ID, err)
	}

	change.Product = p
	return change, nil
}

func (s *Store) findProduct(ctx context.Context, shopID uint, identityKey string) (*models.Product, error) {
	var rows []models.Product
	err := s.db.WithContext(ctx).
		Where("shop_id = ? AND identity_key = ?", shopID, identityKey).
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// AssignGroup links a listing to its group.
func (s *Store) AssignGroup(ctx context.Context, productID, groupID uint) error {
	return s.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ?", productID).
		Update("group_id", groupID).Error
}

// LookupGroupKey returns the group owning (kind, value).
func (s *Store) LookupGroupKey(ctx context.Context, kind, value string) (uint, bool, error) {
	var rows []models.GroupKey
	err := s.db.WithContext(ctx).
		Where("kind = ? AND value = ?", kind, value).
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return 0, false, err
	}
	return rows[0].GroupID, true, nil
}

// ClaimGroupKey registers (kind, value) for groupID unless another group
// already owns it. It returns the owner either way.
func (s *Store) ClaimGroupKey(ctx context.Context, kind, value string, groupID uint) (uint, bool, error) {
	err := insertOnce(s.db.WithContext(ctx), &models.GroupKey{Kind: kind, Value: value, GroupID: groupID})
	if err == nil {
		return groupID, true, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return 0, false, fmt.Errorf("claim group key %s=%q: %w", kind, value, err)
	}

	owner, ok, err := s.LookupGroupKey(ctx, kind, value)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, fmt.Errorf("group key %s=%q conflicted but cannot be read back", kind, value)
	}
	return owner, false, nil
}

// CreateGroupWithKeys inserts g and claims every key for it in one
// transaction. When any key already belongs to another group nothing is
// written and claimed is false; the caller re-reads the owner and joins it.
// Keys must come in cascade order so competing writers claim them in the
// same sequence.
func (s *Store) CreateGroupWithKeys(ctx context.Context, g *models.ProductGroup, keys []models.GroupKey) (bool, error) {
	g.SummaryStale = true
	claimed := true
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return fmt.Errorf("create group: %w", err)
		}
		for _, k := range keys {
			k.GroupID = g.ID
			err := insertOnce(tx, &k)
			if errors.Is(err, ErrDuplicate) {
				claimed = false
				return err
			}
			if err != nil {
				return fmt.Errorf("claim group key %s=%q: %w", k.Kind, k.Value, err)
			}
		}
		return nil
	})
	if !claimed {
		g.ID = 0
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkGroupsStale flags groups whose membership or member data changed and
// bumps their summary version.
func (s *Store) MarkGroupsStale(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.ProductGroup{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"summary_stale":   true,
			"summary_version": gorm.Expr("summary_version + 1"),
		}).Error
}
