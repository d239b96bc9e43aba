package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"feedcatalog/internal/catalog"
	"feedcatalog/internal/models"
	"feedcatalog/internal/normalize"
)

// Resolver attaches normalized items to catalog rows. Every step is its own
// unit of work; nothing is held open across items.
type Resolver struct {
	store *catalog.Store
}

func NewResolver(store *catalog.Store) *Resolver {
	return &Resolver{store: store}
}

// Result reports what resolving one item did.
type Result struct {
	Product        *models.Product
	ProductCreated bool
	Categories     catalog.Outcome
	BrandCreated   bool
	BrandReused    bool
	Match          Match
	GroupCreated   bool
	// Touched holds the groups whose summary depends on this item: its
	// current group and, after a move, the one it left.
	Touched []uint
}

// Resolve runs category, brand, listing and group resolution for one item
// of shopID's feed.
func (r *Resolver) Resolve(ctx context.Context, shopID uint, runID string, item normalize.Item, seenAt time.Time) (Result, error) {
	var res Result

	cat, catOut, err := r.store.EnsureCategory(ctx, item.CategorySegments)
	if err != nil {
		return res, fmt.Errorf("resolve category: %w", err)
	}
	res.Categories = catOut

	brand, created, err := r.store.EnsureBrand(ctx, item.Brand)
	if err != nil {
		return res, fmt.Errorf("resolve brand: %w", err)
	}
	if brand != nil {
		res.BrandCreated = created
		res.BrandReused = !created
	}

	rec := Record{
		EAN:             item.EAN,
		MPN:             item.MPN,
		BrandKey:        item.BrandKey,
		NormalizedTitle: item.NormalizedTitle,
	}
	if cat != nil {
		rec.CategoryPath = cat.Path
	}

	product := &models.Product{
		ShopID:                shopID,
		IdentityKey:           IdentityKey(rec),
		Title:                 item.Title,
		NormalizedTitle:       item.NormalizedTitle,
		Description:           item.Description,
		NormalizedDescription: item.NormalizedDescription,
		Price:                 item.Price,
		OriginalPrice:         item.OriginalPrice,
		Currency:              item.Currency,
		Availability:          item.Availability,
		StockQuantity:         item.Stock,
		EAN:                   item.EAN,
		MPN:                   item.MPN,
		ImageURL:              item.ImageURL,
		ProductURL:            item.ProductURL,
		LastSeen:              seenAt,
		LastRunID:             runID,
	}
	if cat != nil {
		product.CategoryID = &cat.ID
	}
	if brand != nil {
		product.BrandID = &brand.ID
	}
	if len(item.Specs) > 0 {
		specs, err := json.Marshal(item.Specs)
		if err != nil {
			return res, fmt.Errorf("encode specifications: %w", err)
		}
		product.Specifications = datatypes.JSON(specs)
	}

	change, err := r.store.UpsertProduct(ctx, product)
	if err != nil {
		return res, fmt.Errorf("upsert product: %w", err)
	}
	res.Product = change.Product
	res.ProductCreated = change.Created

	match, groupCreated, err := r.resolveGroup(ctx, rec, item.Title, product.CategoryID)
	if err != nil {
		return res, fmt.Errorf("resolve group: %w", err)
	}
	res.Match = match
	res.GroupCreated = groupCreated

	moved := change.PrevGroupID == nil || *change.PrevGroupID != match.GroupID
	if moved {
		if err := r.store.AssignGroup(ctx, product.ID, match.GroupID); err != nil {
			return res, fmt.Errorf("assign group: %w", err)
		}
		product.GroupID = &match.GroupID
	}

	res.Touched = []uint{match.GroupID}
	if change.PrevGroupID != nil && *change.PrevGroupID != match.GroupID {
		res.Touched = append(res.Touched, *change.PrevGroupID)
	}

	changed := moved || change.Created ||
		!change.PrevPrice.Equal(product.Price) ||
		change.PrevAvailability != product.Availability
	if changed {
		if err := r.store.MarkGroupsStale(ctx, res.Touched); err != nil {
			return res, fmt.Errorf("mark groups stale: %w", err)
		}
	}
	return res, nil
}

// maxGroupAttempts bounds how often a writer retries after losing a key to a
// concurrent group creation.
const maxGroupAttempts = 3

// resolveGroup runs the matcher cascade and, when nothing matches, creates
// a singleton group that owns every key of the record. Creating the group and
// claiming its keys is one atomic step; a writer that loses any key to another
// group writes nothing and runs the cascade again, which then finds the
// winner. Keys of a joined record are registered afterwards, first owner wins.
func (r *Resolver) resolveGroup(ctx context.Context, rec Record, title string, categoryID *uint) (Match, bool, error) {
	keys := MatchKeys(rec)
	if len(keys) == 0 {
		return Match{}, false, fmt.Errorf("record has no identifying keys")
	}
	lookup := func(k Key) (uint, bool, error) {
		return r.store.LookupGroupKey(ctx, string(k.Reason), k.Value)
	}

	for attempt := 1; attempt <= maxGroupAttempts; attempt++ {
		match, err := Cascade(keys, lookup)
		if err != nil {
			return Match{}, false, err
		}

		if match.Reason != MatchNone {
			for _, k := range keys {
				if _, _, err := r.store.ClaimGroupKey(ctx, string(k.Reason), k.Value, match.GroupID); err != nil {
					return Match{}, false, err
				}
			}
			return match, false, nil
		}

		group := &models.ProductGroup{
			Title:           title,
			NormalizedTitle: rec.NormalizedTitle,
			CategoryID:      categoryID,
		}
		claimed, err := r.store.CreateGroupWithKeys(ctx, group, groupKeys(keys))
		if err != nil {
			return Match{}, false, err
		}
		if claimed {
			return Match{Reason: MatchNone, GroupID: group.ID}, true, nil
		}
		logrus.WithFields(logrus.Fields{
			"key":     keys[0].Value,
			"attempt": attempt,
		}).Debug("Lost group claim, resolving again")
	}
	return Match{}, false, fmt.Errorf("group for %q still contended after %d attempts", keys[0].Value, maxGroupAttempts)
}

func groupKeys(keys []Key) []models.GroupKey {
	out := make([]models.GroupKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, models.GroupKey{Kind: string(k.Reason), Value: k.Value})
	}
	return out
}
