package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"feedcatalog/internal/models"
	"feedcatalog/internal/testutil"
)

func TestEnsureCategoryConcurrentWorkersShareOneRow(t *testing.T) {
	store := NewStore(testutil.OpenDB(t))
	ctx := context.Background()

	const workers = 16
	ids := make([]uint, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cat, _, err := store.EnsureCategory(ctx, []string{"Laptops"})
			assert.NoError(t, err)
			if cat != nil {
				ids[i] = cat.ID
			}
		}(i)
	}
	wg.Wait()

	var count int64
	require.NoError(t, store.DB().Model(&models.Category{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnsureCategoryBuildsAncestorChain(t *testing.T) {
	store := NewStore(testutil.OpenDB(t))
	ctx := context.Background()

	leaf, out, err := store.EnsureCategory(ctx, []string{"Electronics", "TV & Video"})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Created: 2}, out)
	assert.Equal(t, "tv & video", leaf.NormalizedName)
	assert.Equal(t, "electronics/tv & video", leaf.Path)
	require.NotNil(t, leaf.ParentID)

	var root models.Category
	require.NoError(t, store.DB().First(&root, *leaf.ParentID).Error)
	assert.Equal(t, "electronics", root.Path)
	assert.Nil(t, root.ParentID)

	again, out, err := store.EnsureCategory(ctx, []string{" electronics ", "TV  &  VIDEO"})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Reused: 2}, out)
	assert.Equal(t, leaf.ID, again.ID)

	// Same name under another parent is a different node.
	other, _, err := store.EnsureCategory(ctx, []string{"Home", "TV & Video"})
	require.NoError(t, err)
	assert.NotEqual(t, leaf.ID, other.ID)

	none, out, err := store.EnsureCategory(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Zero(t, out)
}

func TestEnsureCategoryPicksLowestIDAmongLegacyDuplicates(t *testing.T) {
	gdb := testutil.OpenDB(t)
	require.NoError(t, gdb.Migrator().DropIndex(&models.Category{}, "idx_category_identity"))
	for i := 0; i < 3; i++ {
		require.NoError(t, gdb.Create(&models.Category{Name: "Laptops", NormalizedName: "laptops", Path: "laptops"}).Error)
	}

	cat, out, err := NewStore(gdb).EnsureCategory(context.Background(), []string{"Laptops"})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Reused: 1}, out)

	var lowest models.Category
	require.NoError(t, gdb.Order("id asc").First(&lowest).Error)
	assert.Equal(t, lowest.ID, cat.ID)
}

func TestEnsureBrand(t *testing.T) {
	store := NewStore(testutil.OpenDB(t))
	ctx := context.Background()

	b, created, err := store.EnsureBrand(ctx, " Apple ")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Apple", b.Name)

	again, created, err := store.EnsureBrand(ctx, "APPLE")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, b.ID, again.ID)

	none, created, err := store.EnsureBrand(ctx, "   ")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.False(t, created)
}

func TestUpsertProductUpdatesInPlace(t *testing.T) {
	gdb := testutil.OpenDB(t)
	store := NewStore(gdb)
	ctx := context.Background()
	shop := testutil.CreateShop(t, gdb, "ekos")

	first := &models.Product{
		ShopID:          shop.ID,
		IdentityKey:     "ean:123",
		Title:           "Widget",
		NormalizedTitle: "widget",
		Price:           decimal.RequireFromString("10.00"),
		Availability:    models.AvailabilityAvailable,
		LastSeen:        time.Now(),
		LastRunID:       "run-1",
	}
	change, err := store.UpsertProduct(ctx, first)
	require.NoError(t, err)
	assert.True(t, change.Created)
	require.NoError(t, store.AssignGroup(ctx, first.ID, 42))

	second := &models.Product{
		ShopID:          shop.ID,
		IdentityKey:     "ean:123",
		Title:           "Widget v2",
		NormalizedTitle: "widget v2",
		Price:           decimal.RequireFromString("9.50"),
		Availability:    models.AvailabilityUnavailable,
		LastSeen:        time.Now(),
		LastRunID:       "run-2",
	}
	change, err = store.UpsertProduct(ctx, second)
	require.NoError(t, err)
	assert.False(t, change.Created)
	assert.Equal(t, first.ID, change.Product.ID)
	assert.True(t, decimal.RequireFromString("10").Equal(change.PrevPrice))
	assert.Equal(t, models.AvailabilityAvailable, change.PrevAvailability)
	require.NotNil(t, change.PrevGroupID)
	assert.Equal(t, uint(42), *change.PrevGroupID)

	var rows []models.Product
	require.NoError(t, gdb.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "Widget v2", rows[0].Title)
	assert.Equal(t, models.AvailabilityUnavailable, rows[0].Availability)
	assert.Equal(t, "run-2", rows[0].LastRunID)
	require.NotNil(t, rows[0].GroupID)
	assert.Equal(t, uint(42), *rows[0].GroupID)
}

func TestClaimGroupKeyFirstOwnerWins(t *testing.T) {
	store := NewStore(testutil.OpenDB(t))
	ctx := context.Background()

	owner, claimed, err := store.ClaimGroupKey(ctx, models.GroupKeyEAN, "123", 7)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, uint(7), owner)

	owner, claimed, err = store.ClaimGroupKey(ctx, models.GroupKeyEAN, "123", 9)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, uint(7), owner)

	_, ok, err := store.LookupGroupKey(ctx, models.GroupKeyEAN, "456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateGroupWithKeysIsAllOrNothing(t *testing.T) {
	db := testutil.OpenDB(t)
	store := NewStore(db)
	ctx := context.Background()

	first := &models.ProductGroup{Title: "Mouse"}
	claimed, err := store.CreateGroupWithKeys(ctx, first, []models.GroupKey{
		{Kind: models.GroupKeyMPNBrand, Value: "logitech|910-005694"},
	})
	require.NoError(t, err)
	require.True(t, claimed)
	assert.True(t, first.SummaryStale)

	second := &models.ProductGroup{Title: "MX Master 3"}
	claimed, err = store.CreateGroupWithKeys(ctx, second, []models.GroupKey{
		{Kind: models.GroupKeyEAN, Value: "5099206086869"},
		{Kind: models.GroupKeyMPNBrand, Value: "logitech|910-005694"},
	})
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Zero(t, second.ID)

	var groups, keys int64
	require.NoError(t, db.Model(&models.ProductGroup{}).Count(&groups).Error)
	require.NoError(t, db.Model(&models.GroupKey{}).Count(&keys).Error)
	assert.Equal(t, int64(1), groups)
	assert.Equal(t, int64(1), keys)

	_, ok, err := store.LookupGroupKey(ctx, models.GroupKeyEAN, "5099206086869")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, IsDuplicate(ErrDuplicate))
	assert.True(t, IsDuplicate(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, IsDuplicate(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicate(errors.New("UNIQUE constraint failed: brands.normalized_name")))
	assert.False(t, IsDuplicate(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsDuplicate(nil))
}
