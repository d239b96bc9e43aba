package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"feedcatalog/internal/aggregation"
	"feedcatalog/internal/catalog"
	"feedcatalog/internal/feed"
	"feedcatalog/internal/identity"
	"feedcatalog/internal/models"
	"feedcatalog/internal/normalize"
	"feedcatalog/pkg/config"
)

// Fetcher downloads a feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Skip reasons added by the runner on top of the normalizer's.
const (
	SkipUnreadable   = "unreadable"
	SkipResolveError = "resolve_error"
)

type RunnerConfig struct {
	MissingItemPolicy string
	DefaultCurrency   string
}

// Runner executes one feed pass: fetch, validate, resolve items in feed
// order, then retire listings the feed no longer carries and rebuild the
// summaries of every group the pass touched.
type Runner struct {
	db         *gorm.DB
	fetcher    Fetcher
	resolver   *identity.Resolver
	store      *catalog.Store
	aggregator *aggregation.Aggregator
	cfg        RunnerConfig
}

func NewRunner(db *gorm.DB, fetcher Fetcher, cfg RunnerConfig) *Runner {
	store := catalog.NewStore(db)
	if cfg.MissingItemPolicy == "" {
		cfg.MissingItemPolicy = config.MissingTombstone
	}
	return &Runner{
		db:         db,
		fetcher:    fetcher,
		resolver:   identity.NewResolver(store),
		store:      store,
		aggregator: aggregation.NewAggregator(db),
		cfg:        cfg,
	}
}

// Execute runs shop's feed and fills run.Stats. A fetch or format failure
// returns before anything is written. Cancellation is honoured between
// items; items already resolved stay committed.
func (r *Runner) Execute(ctx context.Context, shop models.Shop, run *Run) error {
	log := logrus.WithFields(logrus.Fields{"shop": shop.Name, "run_id": run.ID})

	raw, err := r.fetcher.Fetch(ctx, shop.FeedURL)
	if err != nil {
		return err
	}

	doc, err := feed.Open(raw)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"items": doc.Len(), "element": doc.Element()}).Info("Feed validated")

	touched := make(map[uint]bool)
	complete := true
	seenAt := time.Now()
	stats := &run.Stats

	it := doc.Items()
	for {
		if err := ctx.Err(); err != nil {
			log.WithField("items_seen", stats.ItemsSeen).Warn("Run cancelled between items")
			r.finishTouched(touched, stats)
			return err
		}

		rawItem, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		stats.ItemsSeen++

		var itemErr *feed.ItemError
		if errors.As(err, &itemErr) {
			stats.skip(SkipUnreadable)
			log.WithError(err).Debug("Skipping unreadable item")
			continue
		}
		if err != nil {
			return err
		}

		item, err := normalize.NormalizeItem(rawItem, r.cfg.DefaultCurrency)
		if err != nil {
			var skip *normalize.SkipError
			if errors.As(err, &skip) {
				stats.skip(skip.Reason)
				log.WithFields(logrus.Fields{"reason": skip.Reason, "title": rawItem.Title}).Debug("Skipping item")
				continue
			}
			return err
		}

		res, err := r.resolver.Resolve(ctx, shop.ID, run.ID, item, seenAt)
		if err != nil {
			if ctx.Err() != nil {
				r.finishTouched(touched, stats)
				return ctx.Err()
			}
			complete = false
			stats.skip(SkipResolveError)
			log.WithError(err).WithField("title", item.Title).Error("Failed to resolve item")
			continue
		}

		stats.CategoriesCreated += res.Categories.Created
		stats.CategoriesReused += res.Categories.Reused
		if res.BrandCreated {
			stats.BrandsCreated++
		}
		if res.BrandReused {
			stats.BrandsReused++
		}
		if res.ProductCreated {
			stats.ProductsCreated++
		} else {
			stats.ProductsUpdated++
		}
		if res.GroupCreated {
			stats.GroupsCreated++
		}
		for _, id := range res.Touched {
			touched[id] = true
		}
	}

	// Listings that failed to resolve are still in the feed; retiring
	// everything not stamped by this run would wrongly retire them too.
	if complete {
		groups, n, err := r.retireMissing(ctx, shop.ID, run.ID)
		if err != nil {
			return err
		}
		stats.ProductsTombstoned = n
		for _, id := range groups {
			touched[id] = true
		}
	} else {
		log.Warn("Some items failed to resolve, keeping listings missing from this pass")
	}

	ids := keys(touched)
	stats.GroupsTouched = len(ids)
	if err := r.aggregator.Recompute(ctx, ids); err != nil {
		return fmt.Errorf("recompute summaries: %w", err)
	}
	return nil
}

// finishTouched flags the groups of an interrupted pass so search rebuilds
// their summaries on first read.
func (r *Runner) finishTouched(touched map[uint]bool, stats *Stats) {
	ids := keys(touched)
	stats.GroupsTouched = len(ids)
	if err := r.store.MarkGroupsStale(context.Background(), ids); err != nil {
		logrus.WithError(err).Error("Failed to flag groups of interrupted run")
	}
}

// retireMissing applies the missing-item policy to listings of shopID that
// this run did not see. It returns the groups they belonged to.
func (r *Runner) retireMissing(ctx context.Context, shopID uint, runID string) ([]uint, int, error) {
	db := r.db.WithContext(ctx)
	missing := db.Model(&models.Product{}).Where("shop_id = ? AND last_run_id <> ?", shopID, runID)

	if r.cfg.MissingItemPolicy == config.MissingDelete {
		var groups []uint
		if err := missing.Session(&gorm.Session{}).Where("group_id IS NOT NULL").
			Distinct().Pluck("group_id", &groups).Error; err != nil {
			return nil, 0, fmt.Errorf("find missing listings: %w", err)
		}
		res := db.Unscoped().Where("shop_id = ? AND last_run_id <> ?", shopID, runID).Delete(&models.Product{})
		if res.Error != nil {
			return nil, 0, fmt.Errorf("delete missing listings: %w", res.Error)
		}
		return groups, int(res.RowsAffected), nil
	}

	missing = missing.Where("availability <> ?", models.AvailabilityUnavailable)
	var groups []uint
	if err := missing.Session(&gorm.Session{}).Where("group_id IS NOT NULL").
		Distinct().Pluck("group_id", &groups).Error; err != nil {
		return nil, 0, fmt.Errorf("find missing listings: %w", err)
	}
	res := missing.Session(&gorm.Session{}).Updates(map[string]interface{}{
		"availability": models.AvailabilityUnavailable,
	})
	if res.Error != nil {
		return nil, 0, fmt.Errorf("tombstone missing listings: %w", res.Error)
	}
	return groups, int(res.RowsAffected), nil
}

func keys(m map[uint]bool) []uint {
	out := make([]uint, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
