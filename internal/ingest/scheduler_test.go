package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedcatalog/internal/feed"
	"feedcatalog/internal/models"
	"feedcatalog/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []RunEvent
	alerts []RunEvent
}

func (r *recorder) PublishRun(_ context.Context, ev RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) RunFailed(_ context.Context, ev RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, ev)
	return nil
}

func newTestScheduler(t *testing.T, fetcher Fetcher, maxRuns int) (*Scheduler, *recorder) {
	t.Helper()
	db := testutil.OpenDB(t)
	rec := &recorder{}
	s := NewScheduler(db, NewRunner(db, fetcher, RunnerConfig{DefaultCurrency: "EUR"}), SchedulerConfig{
		MaxConcurrentRuns: maxRuns,
		LeaseTTL:          time.Minute,
	}).WithPublisher(rec).WithAlerter(rec)
	return s, rec
}

func TestRunNowRecordsTerminalStatus(t *testing.T) {
	fetcher := newStubFetcher()
	s, rec := newTestScheduler(t, fetcher, 2)
	shop := testutil.CreateShop(t, s.db, "ekos")
	fetcher.set(shop.FeedURL, feedXML(
		offer{title: "Kettle", price: "25.00", ean: "111", stock: "Y", category: "Kitchen"},
		offer{title: "Broken", price: "n/a"},
	))

	run, err := s.RunNow(context.Background(), shop.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, run.State)
	assert.Empty(t, run.Error)
	assert.Equal(t, 2, run.Stats.ItemsSeen)
	assert.Equal(t, 1, run.Stats.ItemsSkipped)
	assert.Equal(t, 1, run.Stats.CategoriesCreated)

	var record models.IngestionRun
	require.NoError(t, s.db.Where("run_id = ?", run.ID).First(&record).Error)
	assert.Equal(t, models.RunStatusSucceeded, record.Status)
	assert.Equal(t, 2, record.ItemsSeen)
	assert.Equal(t, 1, record.ProductsCreated)
	assert.JSONEq(t, `{"invalid_price":1}`, string(record.SkipReasons))
	require.NotNil(t, record.FinishedAt)

	var stored models.Shop
	require.NoError(t, s.db.First(&stored, shop.ID).Error)
	assert.Equal(t, models.RunStatusSucceeded, stored.LastRunStatus)
	assert.NotNil(t, stored.LastRunAt)
	assert.Empty(t, stored.LeaseOwner, "lease released")

	require.Len(t, rec.events, 1)
	assert.Equal(t, StateSucceeded, rec.events[0].Status)
	assert.Equal(t, run.ID, rec.events[0].RunID)
	assert.Empty(t, rec.alerts)
}

func TestRunNowFailureAlertsAndKeepsData(t *testing.T) {
	fetcher := newStubFetcher()
	s, rec := newTestScheduler(t, fetcher, 1)
	shop := testutil.CreateShop(t, s.db, "ekos")
	ctx := context.Background()

	fetcher.set(shop.FeedURL, feedXML(offer{title: "Kettle", price: "25.00", ean: "111", stock: "Y"}))
	_, err := s.RunNow(ctx, shop.ID)
	require.NoError(t, err)

	fetcher.fail(shop.FeedURL, &feed.FetchError{URL: shop.FeedURL, StatusCode: 500, Retryable: true})
	run, err := s.RunNow(ctx, shop.ID)
	require.NoError(t, err, "a failed run is reported on the run, not as a trigger error")
	assert.Contains(t, run.Error, "status 500")

	var stored models.Shop
	require.NoError(t, s.db.First(&stored, shop.ID).Error)
	assert.Equal(t, models.RunStatusFailed, stored.LastRunStatus)

	var kettle models.Product
	require.NoError(t, s.db.Where("ean = ?", "111").First(&kettle).Error)
	assert.Equal(t, models.AvailabilityAvailable, kettle.Availability)

	require.Len(t, rec.alerts, 1)
	assert.Equal(t, StateFailed, rec.alerts[0].Status)
	assert.Len(t, rec.events, 2)
}

func TestOverlappingTriggerIsRejected(t *testing.T) {
	fetcher := newStubFetcher()
	s, _ := newTestScheduler(t, fetcher, 1)
	shop := testutil.CreateShop(t, s.db, "ekos")
	ctx := context.Background()

	held, err := AcquireLease(ctx, s.db, shop.ID, "other-process", time.Minute)
	require.NoError(t, err)

	_, err = s.Start(ctx, shop.ID)
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = s.RunNow(ctx, shop.ID)
	assert.ErrorIs(t, err, ErrRunInProgress)

	state, err := s.ShopState(ctx, shop.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	assert.Zero(t, fetcher.calls)

	require.NoError(t, held.Release(ctx))
	state, err = s.ShopState(ctx, shop.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestStartRunsInBackground(t *testing.T) {
	fetcher := newStubFetcher()
	s, rec := newTestScheduler(t, fetcher, 1)
	shop := testutil.CreateShop(t, s.db, "ekos")
	fetcher.set(shop.FeedURL, feedXML(offer{title: "Kettle", price: "25.00", ean: "111"}))

	run, err := s.Start(context.Background(), shop.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, run.State)
	s.Wait()

	require.Len(t, rec.events, 1)
	assert.Equal(t, run.ID, rec.events[0].RunID)
	assert.Equal(t, StateSucceeded, rec.events[0].Status)
	require.NoError(t, s.Stop(context.Background()))
}

func TestRunAllSkipsDisabledShops(t *testing.T) {
	fetcher := newStubFetcher()
	s, rec := newTestScheduler(t, fetcher, 2)
	a := testutil.CreateShop(t, s.db, "a")
	b := testutil.CreateShop(t, s.db, "b")
	off := models.Shop{Name: "off", FeedURL: "http://feeds.test/off.xml", Disabled: true}
	require.NoError(t, s.db.Create(&off).Error)

	fetcher.set(a.FeedURL, feedXML(offer{title: "Kettle", price: "25.00", ean: "111"}))
	fetcher.set(b.FeedURL, feedXML(offer{title: "Kettle", price: "23.00", ean: "111"}))

	started, rejected, err := s.RunAll(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Len(t, started, 2)
	assert.Empty(t, rejected)
	assert.Len(t, rec.events, 2)

	_, err = s.RunNow(context.Background(), off.ID)
	assert.ErrorIs(t, err, ErrShopDisabled)
	_, err = s.RunNow(context.Background(), 999)
	assert.ErrorIs(t, err, ErrShopNotFound)
}

func TestConcurrentRunsShareNewCategory(t *testing.T) {
	fetcher := newStubFetcher()
	s, _ := newTestScheduler(t, fetcher, 2)
	a := testutil.CreateShop(t, s.db, "a")
	b := testutil.CreateShop(t, s.db, "b")
	fetcher.set(a.FeedURL, feedXML(offer{title: "ThinkPad X1", price: "1500", category: "Laptops"}))
	fetcher.set(b.FeedURL, feedXML(offer{title: "MacBook Air", price: "1200", category: "laptops"}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, shop := range []models.Shop{a, b} {
		wg.Add(1)
		go func(i int, id uint) {
			defer wg.Done()
			_, errs[i] = s.RunNow(context.Background(), id)
		}(i, shop.ID)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	var categories []models.Category
	require.NoError(t, s.db.Find(&categories).Error)
	require.Len(t, categories, 1)

	var products []models.Product
	require.NoError(t, s.db.Find(&products).Error)
	require.Len(t, products, 2)
	for _, p := range products {
		require.NotNil(t, p.CategoryID)
		assert.Equal(t, categories[0].ID, *p.CategoryID)
	}
}

func TestRunTransitions(t *testing.T) {
	run := &Run{ID: "r", State: StateIdle}
	assert.Error(t, run.transition(StateSucceeded))
	require.NoError(t, run.transition(StateRunning))
	assert.Error(t, run.transition(StateIdle))
	require.NoError(t, run.transition(StateFailed))
	require.NoError(t, run.transition(StateIdle))
	assert.Equal(t, StateIdle, run.State)
}

func TestBookkeepingFailuresAreLogged(t *testing.T) {
	hook := logtest.NewGlobal()
	log := logrus.WithField("shop_id", 1)

	run := &Run{ID: "r", State: StateIdle}
	moveTo(run, StateSucceeded, log)
	assert.Equal(t, StateIdle, run.State)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "Invalid run state transition", hook.LastEntry().Message)

	db := testutil.OpenDB(t)
	shop := testutil.CreateShop(t, db, "alpha")
	lease, err := AcquireLease(context.Background(), db, shop.ID, "owner", time.Minute)
	require.NoError(t, err)

	hook.Reset()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	releaseLease(ctx, lease, log)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Failed to release shop lease", hook.LastEntry().Message)
	assert.NotNil(t, hook.LastEntry().Data[logrus.ErrorKey])

	hook.Reset()
	releaseLease(context.Background(), lease, log)
	assert.Nil(t, hook.LastEntry())
}
