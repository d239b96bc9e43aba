package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"feedcatalog/internal/catalog"
	"feedcatalog/internal/metrics"
	"feedcatalog/internal/models"
)

// Publisher receives an event for every terminal run.
type Publisher interface {
	PublishRun(ctx context.Context, ev RunEvent) error
}

// Alerter is told about failed runs.
type Alerter interface {
	RunFailed(ctx context.Context, ev RunEvent) error
}

type SchedulerConfig struct {
	MaxConcurrentRuns int
	LeaseTTL          time.Duration
}

// Scheduler starts shop runs. At most one run per shop is active at a time,
// guarded by the shop lease; across shops at most MaxConcurrentRuns execute.
type Scheduler struct {
	db        *gorm.DB
	runner    *Runner
	store     *catalog.Store
	sem       *semaphore.Weighted
	leaseTTL  time.Duration
	owner     string
	publisher Publisher
	alerter   Alerter

	cron   *cron.Cron
	jobIDs map[string]cron.EntryID

	// background runs outlive the request that started them
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(db *gorm.DB, runner *Runner, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:       db,
		runner:   runner,
		store:    catalog.NewStore(db),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		leaseTTL: cfg.LeaseTTL,
		owner:    uuid.NewString(),
		jobIDs:   make(map[string]cron.EntryID),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// WithPublisher sets where run events go.
func (s *Scheduler) WithPublisher(p Publisher) *Scheduler {
	s.publisher = p
	return s
}

// WithAlerter sets who hears about failed runs.
func (s *Scheduler) WithAlerter(a Alerter) *Scheduler {
	s.alerter = a
	return s
}

// Start takes the shop's lease and runs its feed in the background. It
// returns ErrRunInProgress at once when the shop is already running.
func (s *Scheduler) Start(ctx context.Context, shopID uint) (*Run, error) {
	run, lease, shop, err := s.begin(ctx, shopID)
	if err != nil {
		return nil, err
	}

	snapshot := *run
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.baseCtx, shop, run, lease)
	}()
	return &snapshot, nil
}

// RunNow runs the shop's feed and returns when the run is over.
func (s *Scheduler) RunNow(ctx context.Context, shopID uint) (*Run, error) {
	run, lease, shop, err := s.begin(ctx, shopID)
	if err != nil {
		return nil, err
	}
	s.execute(ctx, shop, run, lease)
	return run, nil
}

// RunAll starts every enabled shop. Shops that are already running are
// reported in the returned map and skipped.
func (s *Scheduler) RunAll(ctx context.Context) ([]*Run, map[string]error, error) {
	var shops []models.Shop
	if err := s.db.WithContext(ctx).Where("disabled = ?", false).Order("id asc").Find(&shops).Error; err != nil {
		return nil, nil, fmt.Errorf("list shops: %w", err)
	}

	var started []*Run
	rejected := make(map[string]error)
	for _, shop := range shops {
		run, err := s.Start(ctx, shop.ID)
		if err != nil {
			rejected[shop.Name] = err
			continue
		}
		started = append(started, run)
	}

	logrus.WithFields(logrus.Fields{
		"started":  len(started),
		"rejected": len(rejected),
	}).Info("Triggered runs for all shops")
	return started, rejected, nil
}

// StartCron schedules RunAll and catalog reconciliation. Empty schedules are
// not registered.
func (s *Scheduler) StartCron(runSchedule, reconcileSchedule string) error {
	s.cron = cron.New()

	if runSchedule != "" {
		id, err := s.cron.AddFunc(runSchedule, func() {
			logrus.Info("Running scheduled feed ingestion")
			if _, _, err := s.RunAll(s.baseCtx); err != nil {
				logrus.WithError(err).Error("Scheduled ingestion failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid ingest schedule %q: %w", runSchedule, err)
		}
		s.jobIDs["ingest"] = id
	}

	if reconcileSchedule != "" {
		id, err := s.cron.AddFunc(reconcileSchedule, func() {
			if _, err := s.store.Reconcile(s.baseCtx); err != nil {
				logrus.WithError(err).Error("Scheduled reconciliation failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", reconcileSchedule, err)
		}
		s.jobIDs["reconcile"] = id
	}

	s.cron.Start()
	logrus.WithFields(logrus.Fields{
		"ingest":    runSchedule,
		"reconcile": reconcileSchedule,
	}).Info("Scheduler started")
	return nil
}

// Stop halts the cron, cancels background runs and waits for them or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every background run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// ShopState reports whether shopID is running or idle.
func (s *Scheduler) ShopState(ctx context.Context, shopID uint) (State, error) {
	var shop models.Shop
	if err := s.db.WithContext(ctx).First(&shop, shopID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrShopNotFound
		}
		return "", err
	}
	return LeaseState(shop, time.Now()), nil
}

func (s *Scheduler) begin(ctx context.Context, shopID uint) (*Run, *Lease, models.Shop, error) {
	lease, err := AcquireLease(ctx, s.db, shopID, s.owner, s.leaseTTL)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			var names []string
			err := s.db.WithContext(ctx).Model(&models.Shop{}).Where("id = ?", shopID).Pluck("name", &names).Error
			if err != nil {
				logrus.WithError(err).WithField("shop_id", shopID).Warn("Failed to look up rejected shop")
			}
			if len(names) > 0 {
				metrics.RecordRejectedRun(names[0])
			}
		}
		return nil, nil, models.Shop{}, err
	}
	log := logrus.WithField("shop_id", shopID)

	var shop models.Shop
	if err := s.db.WithContext(ctx).First(&shop, shopID).Error; err != nil {
		releaseLease(context.Background(), lease, log)
		return nil, nil, models.Shop{}, err
	}

	run := &Run{ID: uuid.NewString(), ShopID: shop.ID, Shop: shop.Name, State: StateIdle, StartedAt: time.Now()}
	if err := run.transition(StateRunning); err != nil {
		releaseLease(context.Background(), lease, log)
		return nil, nil, models.Shop{}, err
	}

	record := models.IngestionRun{RunID: run.ID, ShopID: shop.ID, Status: string(StateRunning), StartedAt: run.StartedAt}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		releaseLease(context.Background(), lease, log)
		return nil, nil, models.Shop{}, fmt.Errorf("record run: %w", err)
	}

	logrus.WithFields(logrus.Fields{"shop": shop.Name, "run_id": run.ID}).Info("Run started")
	return run, lease, shop, nil
}

func (s *Scheduler) execute(ctx context.Context, shop models.Shop, run *Run, lease *Lease) {
	log := logrus.WithFields(logrus.Fields{"shop": shop.Name, "run_id": run.ID})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		lease.keepAlive(runCtx, func(err error) {
			log.WithError(err).Error("Lost shop lease, cancelling run")
			cancel()
		})
	}()

	var err error
	if err = s.sem.Acquire(runCtx, 1); err == nil {
		err = s.runner.Execute(runCtx, shop, run)
		s.sem.Release(1)
	}
	cancel()
	<-renewed

	run.FinishedAt = time.Now()
	if err != nil {
		run.Error = err.Error()
		moveTo(run, StateFailed, log)
		log.WithError(err).Error("Run failed")
	} else {
		moveTo(run, StateSucceeded, log)
		log.WithFields(logrus.Fields{
			"items_seen":    run.Stats.ItemsSeen,
			"items_skipped": run.Stats.ItemsSkipped,
			"elapsed":       run.Elapsed().String(),
		}).Info("Run succeeded")
	}

	// Bookkeeping must land even when the run itself was cancelled.
	bg := context.Background()
	s.persist(bg, run)
	s.notify(bg, run)

	releaseLease(bg, lease, log)
	moveTo(run, StateIdle, log)
}

func releaseLease(ctx context.Context, lease *Lease, log *logrus.Entry) {
	if err := lease.Release(ctx); err != nil {
		log.WithError(err).Error("Failed to release shop lease")
	}
}

// moveTo applies a transition the scheduler expects to be valid.
func moveTo(run *Run, to State, log *logrus.Entry) {
	if err := run.transition(to); err != nil {
		log.WithError(err).Error("Invalid run state transition")
	}
}

func (s *Scheduler) persist(ctx context.Context, run *Run) {
	st := run.Stats
	reasons, _ := json.Marshal(st.SkipReasons)
	finished := run.FinishedAt

	err := s.db.WithContext(ctx).Model(&models.IngestionRun{}).
		Where("run_id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":              string(run.State),
			"error":               run.Error,
			"items_seen":          st.ItemsSeen,
			"items_skipped":       st.ItemsSkipped,
			"skip_reasons":        datatypes.JSON(reasons),
			"categories_created":  st.CategoriesCreated,
			"categories_reused":   st.CategoriesReused,
			"brands_created":      st.BrandsCreated,
			"brands_reused":       st.BrandsReused,
			"products_created":    st.ProductsCreated,
			"products_updated":    st.ProductsUpdated,
			"products_tombstoned": st.ProductsTombstoned,
			"groups_created":      st.GroupsCreated,
			"groups_touched":      st.GroupsTouched,
			"finished_at":         &finished,
			"elapsed_ms":          run.Elapsed().Milliseconds(),
		}).Error
	if err != nil {
		logrus.WithError(err).WithField("run_id", run.ID).Error("Failed to record run result")
	}

	err = s.db.WithContext(ctx).Model(&models.Shop{}).
		Where("id = ?", run.ShopID).
		Updates(map[string]interface{}{
			"last_run_at":     &finished,
			"last_run_status": string(run.State),
		}).Error
	if err != nil {
		logrus.WithError(err).WithField("run_id", run.ID).Error("Failed to update shop status")
	}
}

func (s *Scheduler) notify(ctx context.Context, run *Run) {
	ev := run.event()

	metrics.RecordRun(run.Shop, string(run.State), run.Elapsed(), map[string]int{
		"created":    run.Stats.ProductsCreated,
		"updated":    run.Stats.ProductsUpdated,
		"skipped":    run.Stats.ItemsSkipped,
		"tombstoned": run.Stats.ProductsTombstoned,
	})

	if s.publisher != nil {
		if err := s.publisher.PublishRun(ctx, ev); err != nil {
			logrus.WithError(err).WithField("run_id", run.ID).Error("Failed to publish run event")
		}
	}
	if s.alerter != nil && run.State == StateFailed {
		if err := s.alerter.RunFailed(ctx, ev); err != nil {
			logrus.WithError(err).WithField("run_id", run.ID).Error("Failed to send run alert")
		}
	}
}
