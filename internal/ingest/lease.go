package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"feedcatalog/internal/models"
)

var (
	// ErrRunInProgress rejects a trigger for a shop that already has an
	// active run, in this process or another.
	ErrRunInProgress = errors.New("run already in progress")
	ErrShopNotFound  = errors.New("shop not found")
	ErrShopDisabled  = errors.New("shop is disabled")
	ErrLeaseLost     = errors.New("lease lost")
)

// Lease is the exclusive right to run one shop's feed. It lives in the shops
// row so every process sharing the database sees it.
type Lease struct {
	db     *gorm.DB
	shopID uint
	owner  string
	ttl    time.Duration
}

// AcquireLease takes the shop's lease with a single compare-and-swap
// update. An expired lease is taken over.
func AcquireLease(ctx context.Context, db *gorm.DB, shopID uint, owner string, ttl time.Duration) (*Lease, error) {
	now := time.Now()
	res := db.WithContext(ctx).Model(&models.Shop{}).
		Where("id = ? AND disabled = ?", shopID, false).
		Where("lease_owner = '' OR lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?", now).
		Updates(map[string]interface{}{
			"lease_owner":      owner,
			"lease_expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("acquire lease for shop %d: %w", shopID, res.Error)
	}
	if res.RowsAffected == 1 {
		return &Lease{db: db, shopID: shopID, owner: owner, ttl: ttl}, nil
	}

	var shop models.Shop
	if err := db.WithContext(ctx).First(&shop, shopID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShopNotFound
		}
		return nil, err
	}
	if shop.Disabled {
		return nil, ErrShopDisabled
	}
	return nil, ErrRunInProgress
}

// Renew pushes the expiry forward. It fails with ErrLeaseLost if another
// owner took the lease over.
func (l *Lease) Renew(ctx context.Context) error {
	res := l.db.WithContext(ctx).Model(&models.Shop{}).
		Where("id = ? AND lease_owner = ?", l.shopID, l.owner).
		Update("lease_expires_at", time.Now().Add(l.ttl))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives the lease back. Releasing a lease someone else now holds is
// a no-op.
func (l *Lease) Release(ctx context.Context) error {
	return l.db.WithContext(ctx).Model(&models.Shop{}).
		Where("id = ? AND lease_owner = ?", l.shopID, l.owner).
		Updates(map[string]interface{}{
			"lease_owner":      "",
			"lease_expires_at": nil,
		}).Error
}

// keepAlive renews the lease until ctx ends.
func (l *Lease) keepAlive(ctx context.Context, onLost func(error)) {
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil && ctx.Err() == nil {
				onLost(err)
				return
			}
		}
	}
}

// LeaseState reports the run state a shop row shows at now.
func LeaseState(shop models.Shop, now time.Time) State {
	if shop.LeaseOwner != "" && shop.LeaseExpiresAt != nil && shop.LeaseExpiresAt.After(now) {
		return StateRunning
	}
	return StateIdle
}
