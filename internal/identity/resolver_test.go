package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"feedcatalog/internal/catalog"
	"feedcatalog/internal/feed"
	"feedcatalog/internal/models"
	"feedcatalog/internal/normalize"
	"feedcatalog/internal/testutil"
)

func mustItem(t *testing.T, raw feed.RawItem) normalize.Item {
	t.Helper()
	item, err := normalize.NormalizeItem(raw, "EUR")
	require.NoError(t, err)
	return item
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestResolveSharedEANJoinsOneGroup(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewResolver(catalog.NewStore(db))
	ctx := context.Background()
	shopA := testutil.CreateShop(t, db, "a")
	shopB := testutil.CreateShop(t, db, "b")

	a, err := r.Resolve(ctx, shopA.ID, "run-a", mustItem(t, feed.RawItem{
		Title: "Widget", Price: "10.00", EAN: "123", Availability: "in stock",
	}), time.Now())
	require.NoError(t, err)
	assert.True(t, a.GroupCreated)
	assert.Equal(t, MatchNone, a.Match.Reason)

	b, err := r.Resolve(ctx, shopB.ID, "run-b", mustItem(t, feed.RawItem{
		Title: "Widget (blue box)", Price: "8.00", EAN: "123", Availability: "yes",
	}), time.Now())
	require.NoError(t, err)
	assert.False(t, b.GroupCreated)
	assert.Equal(t, Match{Reason: MatchEAN, GroupID: a.Match.GroupID}, b.Match)

	assert.Equal(t, int64(1), countRows(t, db, &models.ProductGroup{}))
	assert.Equal(t, int64(2), countRows(t, db, &models.Product{}))
}

func TestResolveKeysMPNListingsByBrandName(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewResolver(catalog.NewStore(db))
	shop := testutil.CreateShop(t, db, "a")

	_, err := r.Resolve(context.Background(), shop.ID, "run", mustItem(t, feed.RawItem{
		Title: "MX Master 3", Price: "99", MPN: "910-005694", Brand: "  LOGITECH ",
	}), time.Now())
	require.NoError(t, err)

	var p models.Product
	require.NoError(t, db.First(&p).Error)
	assert.Equal(t, "mpn:logitech:910-005694", p.IdentityKey)
}

func TestResolveMatchesByMPNBrandThenTitleCategory(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewResolver(catalog.NewStore(db))
	ctx := context.Background()
	shopA := testutil.CreateShop(t, db, "a")
	shopB := testutil.CreateShop(t, db, "b")

	first, err := r.Resolve(ctx, shopA.ID, "r1", mustItem(t, feed.RawItem{
		Title: "MX Master 3", Price: "89", MPN: "910-005694", Brand: "Logitech", Category: "Mice",
	}), time.Now())
	require.NoError(t, err)

	byMPN, err := r.Resolve(ctx, shopB.ID, "r2", mustItem(t, feed.RawItem{
		Title: "Logitech MX Master 3 Graphite", Price: "85", MPN: "910-005694", Brand: "LOGITECH",
	}), time.Now())
	require.NoError(t, err)
	assert.Equal(t, MatchMPNBrand, byMPN.Match.Reason)
	assert.Equal(t, first.Match.GroupID, byMPN.Match.GroupID)

	byTitle, err := r.Resolve(ctx, shopB.ID, "r2", mustItem(t, feed.RawItem{
		Title: "mx  master 3", Price: "90", Category: "mice",
	}), time.Now())
	require.NoError(t, err)
	assert.Equal(t, MatchTitleCategory, byTitle.Match.Reason)
	assert.Equal(t, first.Match.GroupID, byTitle.Match.GroupID)

	otherCategory, err := r.Resolve(ctx, shopB.ID, "r2", mustItem(t, feed.RawItem{
		Title: "MX Master 3", Price: "90", Category: "Keyboards",
	}), time.Now())
	require.NoError(t, err)
	assert.True(t, otherCategory.GroupCreated)
	assert.NotEqual(t, first.Match.GroupID, otherCategory.Match.GroupID)
}

func TestResolveIsIdempotent(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewResolver(catalog.NewStore(db))
	ctx := context.Background()
	shop := testutil.CreateShop(t, db, "a")

	items := []feed.RawItem{
		{Title: "Apple TV 4K", Price: "199", EAN: "0194253", Brand: "Apple", Category: "Electronics > TV"},
		{Title: "Apple TV HD", Price: "149", Brand: "Apple", Category: "Electronics > TV"},
		{Title: "Chromecast", Price: "39", MPN: "GA01", Brand: "Google", Category: "Electronics > TV"},
	}

	assign := func() map[uint]uint {
		out := make(map[uint]uint)
		for _, raw := range items {
			res, err := r.Resolve(ctx, shop.ID, "run", mustItem(t, raw), time.Now())
			require.NoError(t, err)
			out[res.Product.ID] = res.Match.GroupID
		}
		return out
	}

	first := assign()
	counts := []int64{
		countRows(t, db, &models.Category{}),
		countRows(t, db, &models.Brand{}),
		countRows(t, db, &models.Product{}),
		countRows(t, db, &models.ProductGroup{}),
		countRows(t, db, &models.GroupKey{}),
	}

	second := assign()
	assert.Equal(t, first, second)
	assert.Equal(t, counts, []int64{
		countRows(t, db, &models.Category{}),
		countRows(t, db, &models.Brand{}),
		countRows(t, db, &models.Product{}),
		countRows(t, db, &models.ProductGroup{}),
		countRows(t, db, &models.GroupKey{}),
	})
}

func TestResolveConcurrentShopsCreateOneGroup(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewResolver(catalog.NewStore(db))
	ctx := context.Background()

	const shops = 8
	item := mustItem(t, feed.RawItem{
		Title: "Laptop Stand", Price: "25", EAN: "5901234123457", Category: "Laptops",
	})
	groups := make([]uint, shops)
	var wg sync.WaitGroup
	for i := 0; i < shops; i++ {
		shop := testutil.CreateShop(t, db, string(rune('a'+i)))
		wg.Add(1)
		go func(i int, shopID uint) {
			defer wg.Done()
			res, err := r.Resolve(ctx, shopID, "run", item, time.Now())
			if assert.NoError(t, err) {
				groups[i] = res.Match.GroupID
			}
		}(i, shop.ID)
	}
	wg.Wait()

	for _, g := range groups {
		assert.Equal(t, groups[0], g)
	}
	assert.Equal(t, int64(1), countRows(t, db, &models.ProductGroup{}))
	assert.Equal(t, int64(1), countRows(t, db, &models.Category{}))
	assert.Equal(t, int64(shops), countRows(t, db, &models.Product{}))
}

type pauseKey struct{}

// pauseAfterLookups blocks a resolve carrying pauseKey once it has read
// n group keys, until release is closed.
func pauseAfterLookups(t *testing.T, db *gorm.DB, n int, reached chan<- struct{}, release <-chan struct{}) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen int
	)
	err := db.Callback().Query().After("gorm:query").Register("test:pause_lookups", func(tx *gorm.DB) {
		if tx.Statement.Context.Value(pauseKey{}) == nil || tx.Statement.Table != "group_keys" {
			return
		}
		mu.Lock()
		seen++
		hit := seen == n
		mu.Unlock()
		if hit {
			close(reached)
			<-release
		}
	})
	require.NoError(t, err)
}

func TestResolveConcurrentGroupsSharingSecondaryKey(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewResolver(catalog.NewStore(db))
	shopA := testutil.CreateShop(t, db, "a")
	shopB := testutil.CreateShop(t, db, "b")

	itemA := mustItem(t, feed.RawItem{
		Title: "MX Master 3", Price: "99", EAN: "5099206086869", MPN: "910-005694", Brand: "Logitech",
	})
	itemB := mustItem(t, feed.RawItem{
		Title: "Logitech MX Master 3 Mouse", Price: "95", MPN: "910-005694", Brand: "Logitech",
	})

	reached := make(chan struct{})
	release := make(chan struct{})
	// A has three keys; pause once its cascade has looked up all of them.
	pauseAfterLookups(t, db, 3, reached, release)

	var a Result
	done := make(chan error, 1)
	go func() {
		ctx := context.WithValue(context.Background(), pauseKey{}, true)
		var err error
		a, err = r.Resolve(ctx, shopA.ID, "run-a", itemA, time.Now())
		done <- err
	}()

	<-reached
	b, err := r.Resolve(context.Background(), shopB.ID, "run-b", itemB, time.Now())
	require.NoError(t, err)
	assert.True(t, b.GroupCreated)
	close(release)
	require.NoError(t, <-done)

	assert.False(t, a.GroupCreated)
	assert.Equal(t, Match{Reason: MatchMPNBrand, GroupID: b.Match.GroupID}, a.Match)
	assert.Equal(t, int64(1), countRows(t, db, &models.ProductGroup{}))

	ctx := context.Background()
	again, err := r.Resolve(ctx, shopA.ID, "run-a2", itemA, time.Now())
	require.NoError(t, err)
	assert.Equal(t, b.Match.GroupID, again.Match.GroupID)
	again, err = r.Resolve(ctx, shopB.ID, "run-b2", itemB, time.Now())
	require.NoError(t, err)
	assert.Equal(t, b.Match.GroupID, again.Match.GroupID)
}

func TestResolveMarksChangedGroupsStale(t *testing.T) {
	db := testutil.OpenDB(t)
	r := NewResolver(catalog.NewStore(db))
	ctx := context.Background()
	shop := testutil.CreateShop(t, db, "a")
	raw := feed.RawItem{Title: "Kettle", Price: "30", EAN: "42"}

	res, err := r.Resolve(ctx, shop.ID, "r1", mustItem(t, raw), time.Now())
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.ProductGroup{}).Where("id = ?", res.Match.GroupID).
		Update("summary_stale", false).Error)

	_, err = r.Resolve(ctx, shop.ID, "r2", mustItem(t, raw), time.Now())
	require.NoError(t, err)
	var g models.ProductGroup
	require.NoError(t, db.First(&g, res.Match.GroupID).Error)
	assert.False(t, g.SummaryStale)

	raw.Price = "25"
	_, err = r.Resolve(ctx, shop.ID, "r3", mustItem(t, raw), time.Now())
	require.NoError(t, err)
	require.NoError(t, db.First(&g, res.Match.GroupID).Error)
	assert.True(t, g.SummaryStale)

	var p models.Product
	require.NoError(t, db.First(&p, res.Product.ID).Error)
	assert.True(t, decimal.NewFromInt(25).Equal(p.Price))
}
