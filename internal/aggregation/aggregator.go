package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedcatalog/internal/models"
)

// Aggregator owns the price_summaries table. Summaries are only ever
// overwritten from a fresh read of the members.
type Aggregator struct {
	db *gorm.DB
}

func NewAggregator(db *gorm.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Recompute rebuilds the summaries of groupIDs and clears their stale flag.
// A group left without members keeps an empty summary.
func (a *Aggregator) Recompute(ctx context.Context, groupIDs []uint) error {
	ids := dedupe(groupIDs)
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.recomputeOne(ctx, id); err != nil {
			return err
		}
	}

	logrus.WithField("groups", len(ids)).Debug("Price summaries recomputed")
	return nil
}

// errSuperseded rolls back a recompute whose member snapshot is older than
// the group's current version.
var errSuperseded = errors.New("summary superseded")

// recomputeOne reads the group's version, then its members, and writes the
// summary only if the version is unchanged. A writer that changed a member in
// between has bumped the version and recomputes after us, so an older
// snapshot never replaces a newer one.
func (a *Aggregator) recomputeOne(ctx context.Context, groupID uint) error {
	db := a.db.WithContext(ctx)

	var versions []int64
	if err := db.Model(&models.ProductGroup{}).Where("id = ?", groupID).Pluck("summary_version", &versions).Error; err != nil {
		return fmt.Errorf("read version of group %d: %w", groupID, err)
	}
	if len(versions) == 0 {
		return nil
	}
	version := versions[0]

	var members []Member
	err := db.Model(&models.Product{}).
		Select("shop_id, price, availability").
		Where("group_id = ?", groupID).
		Find(&members).Error
	if err != nil {
		return fmt.Errorf("read members of group %d: %w", groupID, err)
	}

	s := Summarize(members)
	row := models.PriceSummary{
		GroupID:        groupID,
		BestPrice:      s.BestPrice,
		MinPrice:       s.MinPrice,
		MaxPrice:       s.MaxPrice,
		AvailableCount: s.AvailableCount,
		TotalShops:     s.TotalShops,
		MemberCount:    s.MemberCount,
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		// locks the group row until the summary is written
		res := tx.Model(&models.ProductGroup{}).
			Where("id = ? AND summary_version = ?", groupID, version).
			Update("summary_stale", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSuperseded
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "group_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"best_price", "min_price", "max_price",
				"available_count", "total_shops", "member_count", "updated_at",
			}),
		}).Create(&row).Error
	})
	switch {
	case errors.Is(err, errSuperseded):
		logrus.WithField("group_id", groupID).Debug("Summary superseded by a newer change")
		return nil
	case err != nil:
		return fmt.Errorf("write summary of group %d: %w", groupID, err)
	}
	return nil
}

// RefreshStale recomputes those of groupIDs still flagged stale, or every
// stale group when groupIDs is empty. It returns how many were rebuilt.
func (a *Aggregator) RefreshStale(ctx context.Context, groupIDs []uint) (int, error) {
	q := a.db.WithContext(ctx).Model(&models.ProductGroup{}).Where("summary_stale = ?", true)
	if len(groupIDs) > 0 {
		q = q.Where("id IN ?", dedupe(groupIDs))
	}

	var stale []uint
	if err := q.Order("id asc").Pluck("id", &stale).Error; err != nil {
		return 0, fmt.Errorf("find stale groups: %w", err)
	}
	if err := a.Recompute(ctx, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Summaries loads the summaries of groupIDs keyed by group id.
func (a *Aggregator) Summaries(ctx context.Context, groupIDs []uint) (map[uint]models.PriceSummary, error) {
	out := make(map[uint]models.PriceSummary, len(groupIDs))
	if len(groupIDs) == 0 {
		return out, nil
	}

	var rows []models.PriceSummary
	if err := a.db.WithContext(ctx).Where("group_id IN ?", dedupe(groupIDs)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	for _, r := range rows {
		out[r.GroupID] = r
	}
	return out, nil
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
