package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collateral-alerts/internal/alerting"
	"collateral-alerts/internal/config"
	"collateral-alerts/internal/fetcher"
	"collateral-alerts/internal/storage"
)

const (
	groupA   = "0x00000000000000000000000000000000000000a1"
	groupB   = "0x00000000000000000000000000000000000000a2"
	accountX = "0x00000000000000000000000000000000000000b1"
	accountY = "0x00000000000000000000000000000000000000b2"
)

var cycleAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeFetcher serves fixed snapshots and counts reads per group.
type fakeFetcher struct {
	mu        sync.Mutex
	snapshots map[string]*fetcher.GroupSnapshot
	failures  map[string]error
	reads     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		snapshots: make(map[string]*fetcher.GroupSnapshot),
		failures:  make(map[string]error),
		reads:     make(map[string]int),
	}
}

// withAccount places account in group with the given deposit and borrow value.
func (f *fakeFetcher) withAccount(group, account string, assets, liabilities int64) *fakeFetcher {
	id := fetcher.NormalizeAddress(group)
	snap, ok := f.snapshots[id]
	if !ok {
		one := decimal.NewFromInt(1)
		snap = &fetcher.GroupSnapshot{
			GroupID:        id,
			BlockNumber:    100,
			Prices:         []decimal.Decimal{one},
			DepositIndexes: []decimal.Decimal{one},
			BorrowIndexes:  []decimal.Decimal{one},
			Accounts:       make(map[string]fetcher.MarginAccount),
		}
		f.snapshots[id] = snap
	}
	addr := fetcher.NormalizeAddress(account)
	snap.Accounts[addr] = fetcher.MarginAccount{
		Address:  addr,
		Deposits: []decimal.Decimal{decimal.NewFromInt(assets)},
		Borrows:  []decimal.Decimal{decimal.NewFromInt(liabilities)},
	}
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, groups fetcher.GroupSet) (map[string]*fetcher.GroupSnapshot, map[string]error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]*fetcher.GroupSnapshot)
	failed := make(map[string]error)
	for _, id := range groups.IDs() {
		f.reads[id]++
		if err, ok := f.failures[id]; ok {
			failed[id] = err
			continue
		}
		if snap, ok := f.snapshots[id]; ok {
			out[id] = snap
		}
	}
	return out, failed
}

func (f *fakeFetcher) readsOf(group string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[fetcher.NormalizeAddress(group)]
}

// recordingChannel accepts or rejects every send and remembers it.
type recordingChannel struct {
	name   storage.Channel
	err    error
	failID string
	onSend func()

	mu   sync.Mutex
	sent []string
}

func (c *recordingChannel) Name() storage.Channel { return c.name }

func (c *recordingChannel) Validate(storage.Alert) error { return nil }

func (c *recordingChannel) Send(ctx context.Context, alert storage.Alert, message string) (bool, error) {
	if c.onSend != nil {
		c.onSend()
	}
	if c.err != nil {
		return false, c.err
	}
	if c.failID != "" && alert.ID == c.failID {
		return false, errors.New("gateway rejected " + alert.ID)
	}
	if alert.Channel == storage.ChannelChat && alert.ChatSessionID == "" {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, alert.ID)
	return true, nil
}

func (c *recordingChannel) sends() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type recordingReporter struct {
	mu      sync.Mutex
	sources []string
	errs    []error
}

func (r *recordingReporter) Report(_ context.Context, source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sources {
		if s == source {
			n++
		}
	}
	return n
}

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	fetcher  *fakeFetcher
	sms      *recordingChannel
	chat     *recordingChannel
	reporter *recordingReporter
}

func newHarness(t *testing.T, f *fakeFetcher) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		fetcher:  f,
		sms:      &recordingChannel{name: storage.ChannelSMS},
		chat:     &recordingChannel{name: storage.ChannelChat},
		reporter: &recordingReporter{},
	}
	cfg := &config.Config{
		Engine:  config.EngineConfig{Workers: 4, UnclaimedExpiry: 15 * time.Minute, StoreTimeout: time.Second},
		History: config.HistoryConfig{Enabled: true},
	}
	dispatcher := alerting.NewDispatcher(time.Second, zerolog.Nop(), h.sms, h.chat)
	h.svc = New(cfg, nil, Deps{
		Alerts:     h.store,
		Samples:    h.store,
		Fetcher:    f,
		Dispatcher: dispatcher,
		Reporter:   h.reporter,
	}, zerolog.Nop())
	return h
}

func (h *harness) addAlert(t *testing.T, alert storage.Alert) storage.Alert {
	t.Helper()
	alert.IsOpen = true
	created, err := h.store.Create(context.Background(), alert)
	require.NoError(t, err)
	return created
}

func smsAlert(group, account string, threshold int64) storage.Alert {
	return storage.Alert{
		GroupID:      group,
		AccountID:    account,
		ThresholdPct: decimal.NewFromInt(threshold),
		Channel:      storage.ChannelSMS,
		Phone:        "+15550001111",
	}
}

func TestCycleFiresDeliversAndCloses(t *testing.T) {
	h := newHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000))
	alert := h.addAlert(t, smsAlert(groupA, accountX, 110))

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Fired)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, []string{alert.ID}, h.sms.sends())

	got, ok := h.store.Get(alert.ID)
	require.True(t, ok)
	assert.False(t, got.IsOpen)
	require.NotNil(t, got.FiredAt)
	assert.True(t, got.FiredAt.Equal(cycleAt))

	open, err := h.store.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = h.svc.Cycle(context.Background(), cycleAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, h.sms.sends(), 1, "a closed alert is never dispatched again")
}

func TestCycleBelowThresholdDoesNotDispatch(t *testing.T) {
	h := newHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000))
	alert := h.addAlert(t, smsAlert(groupA, accountX, 100))

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Evaluated)
	assert.Zero(t, summary.Fired)
	assert.Empty(t, h.sms.sends())
	got, _ := h.store.Get(alert.ID)
	assert.True(t, got.IsOpen)
	assert.Nil(t, got.FiredAt)
}

func TestCycleTieFires(t *testing.T) {
	h := newHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000))
	equal := h.addAlert(t, smsAlert(groupA, accountX, 105))

	_, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)
	assert.Equal(t, []string{equal.ID}, h.sms.sends())
}

func TestCycleFailedDispatchStaysOpen(t *testing.T) {
	h := newHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000))
	h.sms.err = errors.New("gateway 503")
	alert := h.addAlert(t, smsAlert(groupA, accountX, 110))

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fired)
	assert.Zero(t, summary.Delivered)
	assert.Equal(t, 1, h.reporter.count("dispatch"))
	assert.ErrorIs(t, h.reporter.errs[0], alerting.ErrTransportFailure)

	got, _ := h.store.Get(alert.ID)
	assert.True(t, got.IsOpen)

	h.sms.err = nil
	_, err = h.svc.Cycle(context.Background(), cycleAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{alert.ID}, h.sms.sends(), "retried on the next cycle")
	got, _ = h.store.Get(alert.ID)
	assert.True(t, got.FiredAt.Equal(cycleAt.Add(time.Minute)))
}

func TestCycleChatPendingClaimNeverDispatches(t *testing.T) {
	h := newHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000).withAccount(groupA, accountY, 1000, 1000))
	pending := h.addAlert(t, storage.Alert{GroupID: groupA, AccountID: accountX, ThresholdPct: decimal.NewFromInt(110), Channel: storage.ChannelChat, ClaimCode: "AB12x"})
	claimed := h.addAlert(t, storage.Alert{GroupID: groupA, AccountID: accountY, ThresholdPct: decimal.NewFromInt(110), Channel: storage.ChannelChat, ClaimCode: "Cd34Y", ChatSessionID: "777"})

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.PendingClaim)
	assert.Equal(t, []string{claimed.ID}, h.chat.sends())
	got, _ := h.store.Get(pending.ID)
	assert.True(t, got.IsOpen)
}

func TestCycleFetchesEachGroupOnce(t *testing.T) {
	f := newFakeFetcher().withAccount(groupA, accountX, 2000, 1000).withAccount(groupA, accountY, 2000, 1000)
	h := newHarness(t, f)
	h.addAlert(t, smsAlert(groupA, accountX, 110))
	h.addAlert(t, smsAlert(groupA, accountY, 110))

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Groups)
	assert.Equal(t, 1, f.readsOf(groupA))
	assert.Equal(t, 2, summary.Evaluated)
}

func TestCycleIsolatesGroupFailures(t *testing.T) {
	f := newFakeFetcher().withAccount(groupA, accountX, 1050, 1000).withAccount(groupB, accountY, 1050, 1000)
	f.failures[fetcher.NormalizeAddress(groupB)] = errors.New("rpc timeout")
	h := newHarness(t, f)
	ok := h.addAlert(t, smsAlert(groupA, accountX, 110))
	blocked := h.addAlert(t, smsAlert(groupB, accountY, 110))

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FetchFailures)
	assert.Equal(t, []string{ok.ID}, h.sms.sends())
	assert.Equal(t, 1, h.reporter.count("fetch"))
	got, _ := h.store.Get(blocked.ID)
	assert.True(t, got.IsOpen)
}

func TestCycleReportsMissingAccount(t *testing.T) {
	h := newHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000))
	h.addAlert(t, smsAlert(groupA, accountY, 110))

	_, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)
	assert.Equal(t, 1, h.reporter.count("evaluate"))
	assert.Empty(t, h.sms.sends())
}

func TestCyclePurgesExpiredUnclaimed(t *testing.T) {
	h := newHarness(t, newFakeFetcher())
	old := h.addAlert(t, storage.Alert{GroupID: groupA, AccountID: accountX, Channel: storage.ChannelChat, ClaimCode: "OLD01", CreatedAt: time.Now().Add(-20 * time.Minute)})
	fresh := h.addAlert(t, storage.Alert{GroupID: groupA, AccountID: accountX, Channel: storage.ChannelChat, ClaimCode: "NEW01", CreatedAt: time.Now().Add(-5 * time.Minute)})

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.EqualValues(t, 1, summary.Purged)
	_, found := h.store.Get(old.ID)
	assert.False(t, found)
	_, found = h.store.Get(fresh.ID)
	assert.True(t, found)
}

func TestCycleRecordsRatioSamples(t *testing.T) {
	h := newHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1200, 1000))
	alert := h.addAlert(t, smsAlert(groupA, accountX, 110))

	_, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	samples, err := h.store.ListSamplesBetween(context.Background(), alert.ID, cycleAt, cycleAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].RatioPct.Equal(decimal.NewFromInt(120)))
	assert.False(t, samples[0].Fired)
	require.NotNil(t, samples[0].BlockNumber)
	assert.EqualValues(t, 100, *samples[0].BlockNumber)
}

func TestCycleStages(t *testing.T) {
	h := newHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000))
	h.addAlert(t, smsAlert(groupA, accountX, 110))

	var during Stage
	h.sms.onSend = func() { during = h.svc.Stage() }

	assert.Equal(t, StageIdle, h.svc.Stage())
	_, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Equal(t, StageDispatching, during)
	assert.Equal(t, StageIdle, h.svc.Stage())
	assert.Equal(t, "dispatching", during.String())
}

// unavailableStore fails listing and counts purges.
type unavailableStore struct {
	*storage.MemoryStore
	mu     sync.Mutex
	purges int
}

func (u *unavailableStore) ListOpen(context.Context) ([]storage.Alert, error) {
	return nil, errors.New("connection refused")
}

func (u *unavailableStore) PurgeExpiredUnclaimed(ctx context.Context, olderThan time.Duration) (int64, error) {
	u.mu.Lock()
	u.purges++
	u.mu.Unlock()
	return u.MemoryStore.PurgeExpiredUnclaimed(ctx, olderThan)
}

func TestCycleAbortsWhenStoreUnavailable(t *testing.T) {
	store := &unavailableStore{MemoryStore: storage.NewMemoryStore()}
	f := newFakeFetcher()
	reporter := &recordingReporter{}
	cfg := &config.Config{Engine: config.EngineConfig{UnclaimedExpiry: 15 * time.Minute}}
	svc := New(cfg, nil, Deps{
		Alerts:     store,
		Fetcher:    f,
		Dispatcher: alerting.NewDispatcher(0, zerolog.Nop()),
		Reporter:   reporter,
	}, zerolog.Nop())

	_, err := svc.Cycle(context.Background(), cycleAt)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Equal(t, 1, reporter.count("list_open"))
	assert.Zero(t, store.purges, "an aborted cycle skips cleanup")
	assert.Equal(t, StageIdle, svc.Stage())
}

// faultyStore injects failures into an otherwise working memory store.
type faultyStore struct {
	*storage.MemoryStore

	mu        sync.Mutex
	closeErr  error
	purgeErr  error
	panicOnID string
}

func (f *faultyStore) CloseAlert(ctx context.Context, id string, firedAt time.Time) error {
	f.mu.Lock()
	err := f.closeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.CloseAlert(ctx, id, firedAt)
}

func (f *faultyStore) PurgeExpiredUnclaimed(ctx context.Context, olderThan time.Duration) (int64, error) {
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	return f.MemoryStore.PurgeExpiredUnclaimed(ctx, olderThan)
}

func (f *faultyStore) InsertRatioSample(ctx context.Context, sample storage.RatioSample) error {
	if f.panicOnID != "" && sample.AlertID == f.panicOnID {
		panic("sample encoder blew up")
	}
	return f.MemoryStore.InsertRatioSample(ctx, sample)
}

func (f *faultyStore) setCloseErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeErr = err
}

func newFaultyHarness(t *testing.T, f *fakeFetcher) (*harness, *faultyStore) {
	t.Helper()
	h := newHarness(t, f)
	store := &faultyStore{MemoryStore: h.store}
	cfg := &config.Config{
		Engine:  config.EngineConfig{Workers: 4, UnclaimedExpiry: 15 * time.Minute, StoreTimeout: time.Second},
		History: config.HistoryConfig{Enabled: true},
	}
	h.svc = New(cfg, nil, Deps{
		Alerts:     store,
		Samples:    store,
		Fetcher:    f,
		Dispatcher: alerting.NewDispatcher(time.Second, zerolog.Nop(), h.sms, h.chat),
		Reporter:   h.reporter,
	}, zerolog.Nop())
	return h, store
}

func TestCyclePurgeFailureIsReportedNotFatal(t *testing.T) {
	h, store := newFaultyHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000))
	store.purgeErr = errors.New("deadlock detected")
	alert := h.addAlert(t, smsAlert(groupA, accountX, 110))

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Zero(t, summary.Purged)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 1, h.reporter.count("purge"))
	assert.Equal(t, []string{alert.ID}, h.sms.sends())
	assert.Equal(t, StageIdle, h.svc.Stage())
}

func TestCycleDispatchFailureDoesNotBlockSiblings(t *testing.T) {
	f := newFakeFetcher().withAccount(groupA, accountX, 1050, 1000).withAccount(groupA, accountY, 1000, 1000)
	h := newHarness(t, f)
	failing := h.addAlert(t, smsAlert(groupA, accountX, 110))
	sibling := h.addAlert(t, smsAlert(groupA, accountY, 110))
	h.sms.failID = failing.ID

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Fired)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, []string{sibling.ID}, h.sms.sends())
	assert.Equal(t, 1, h.reporter.count("dispatch"))

	got, _ := h.store.Get(sibling.ID)
	assert.False(t, got.IsOpen)
	got, _ = h.store.Get(failing.ID)
	assert.True(t, got.IsOpen)
}

func TestCycleCloseFailureKeepsAlertOpenForRetry(t *testing.T) {
	h, store := newFaultyHarness(t, newFakeFetcher().withAccount(groupA, accountX, 1050, 1000))
	store.setCloseErr(errors.New("connection reset"))
	alert := h.addAlert(t, smsAlert(groupA, accountX, 110))

	summary, err := h.svc.Cycle(context.Background(), cycleAt)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 1, h.reporter.count("close"))
	got, _ := h.store.Get(alert.ID)
	assert.True(t, got.IsOpen)
	assert.Nil(t, got.FiredAt)

	store.setCloseErr(nil)
	_, err = h.svc.Cycle(context.Background(), cycleAt.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, []string{alert.ID, alert.ID}, h.sms.sends(), "delivered again until closed")
	got, _ = h.store.Get(alert.ID)
	assert.False(t, got.IsOpen)
	require.NotNil(t, got.FiredAt)
	assert.True(t, got.FiredAt.Equal(cycleAt.Add(time.Minute)))
}

func TestCycleRecoversPanickingEvaluation(t *testing.T) {
	f := newFakeFetcher().withAccount(groupA, accountX, 1050, 1000).withAccount(groupA, accountY, 1000, 1000)
	h, store := newFaultyHarness(t, f)
	broken := h.addAlert(t, smsAlert(groupA, accountX, 110))
	healthy := h.addAlert(t, smsAlert(groupA, accountY, 110))
	store.panicOnID = broken.ID

	var summary Summary
	var err error
	require.NotPanics(t, func() {
		summary, err = h.svc.Cycle(context.Background(), cycleAt)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, h.reporter.count("evaluate"))
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, []string{healthy.ID}, h.sms.sends())
	got, _ := h.store.Get(broken.ID)
	assert.True(t, got.IsOpen)
}
