package catalog

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"feedcatalog/internal/models"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	CategoriesMerged  int `json:"categories_merged"`
	BrandsMerged      int `json:"brands_merged"`
	ProductsRepointed int `json:"products_repointed"`
}

type duplicateSet struct {
	KeepID uint
	Total  int
	Key1   string
	Key2   string
}

// Reconcile merges duplicate categories and brands left behind by databases
// that predate the identity indexes. For every duplicate set the lowest id
// survives; products, child categories and groups are repointed to it and
// the other rows are removed. Each set is merged in its own transaction.
//
// It is safe to run on a database without the catalog tables; it does
// nothing there.
func (s *Store) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	db := s.db.WithContext(ctx)

	if db.Migrator().HasTable(&models.Category{}) {
		var sets []duplicateSet
		err := db.Model(&models.Category{}).
			Select("MIN(id) AS keep_id, COUNT(*) AS total, normalized_name AS key1, path AS key2").
			Group("normalized_name, path").
			Having("COUNT(*) > 1").
			Scan(&sets).Error
		if err != nil {
			return report, fmt.Errorf("find duplicate categories: %w", err)
		}

		for _, set := range sets {
			repointed, err := s.mergeCategories(ctx, set)
			if err != nil {
				return report, err
			}
			report.CategoriesMerged += set.Total - 1
			report.ProductsRepointed += repointed
		}
	}

	if db.Migrator().HasTable(&models.Brand{}) {
		var sets []duplicateSet
		err := db.Model(&models.Brand{}).
			Select("MIN(id) AS keep_id, COUNT(*) AS total, normalized_name AS key1").
			Group("normalized_name").
			Having("COUNT(*) > 1").
			Scan(&sets).Error
		if err != nil {
			return report, fmt.Errorf("find duplicate brands: %w", err)
		}

		for _, set := range sets {
			repointed, err := s.mergeBrands(ctx, set)
			if err != nil {
				return report, err
			}
			report.BrandsMerged += set.Total - 1
			report.ProductsRepointed += repointed
		}
	}

	if report.CategoriesMerged > 0 || report.BrandsMerged > 0 {
		logrus.WithFields(logrus.Fields{
			"categories_merged":  report.CategoriesMerged,
			"brands_merged":      report.BrandsMerged,
			"products_repointed": report.ProductsRepointed,
		}).Info("Catalog reconciled")
	}
	return report, nil
}

func (s *Store) mergeCategories(ctx context.Context, set duplicateSet) (int, error) {
	var repointed int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dupIDs []uint
		err := tx.Model(&models.Category{}).
			Where("normalized_name = ? AND path = ? AND id <> ?", set.Key1, set.Key2, set.KeepID).
			Pluck("id", &dupIDs).Error
		if err != nil || len(dupIDs) == 0 {
			return err
		}

		res := tx.Model(&models.Product{}).Where("category_id IN ?", dupIDs).Update("category_id", set.KeepID)
		if res.Error != nil {
			return res.Error
		}
		repointed = int(res.RowsAffected)

		if err := tx.Model(&models.Category{}).Where("parent_id IN ?", dupIDs).
			Update("parent_id", set.KeepID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ProductGroup{}).Where("category_id IN ?", dupIDs).
			Update("category_id", set.KeepID).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("id IN ?", dupIDs).Delete(&models.Category{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("merge categories %q: %w", set.Key2, err)
	}

	logrus.WithFields(logrus.Fields{
		"path":    set.Key2,
		"kept_id": set.KeepID,
		"removed": set.Total - 1,
	}).Info("Merged duplicate categories")
	return repointed, nil
}

func (s *Store) mergeBrands(ctx context.Context, set duplicateSet) (int, error) {
	var repointed int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dupIDs []uint
		err := tx.Model(&models.Brand{}).
			Where("normalized_name = ? AND id <> ?", set.Key1, set.KeepID).
			Pluck("id", &dupIDs).Error
		if err != nil || len(dupIDs) == 0 {
			return err
		}

		res := tx.Model(&models.Product{}).Where("brand_id IN ?", dupIDs).Update("brand_id", set.KeepID)
		if res.Error != nil {
			return res.Error
		}
		repointed = int(res.RowsAffected)

		return tx.Unscoped().Where("id IN ?", dupIDs).Delete(&models.Brand{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("merge brands %q: %w", set.Key1, err)
	}

	logrus.WithFields(logrus.Fields{
		"brand":   set.Key1,
		"kept_id": set.KeepID,
		"removed": set.Total - 1,
	}).Info("Merged duplicate brands")
	return repointed, nil
}
