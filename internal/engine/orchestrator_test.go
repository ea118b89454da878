package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jafarshop/catalog-sync/internal/checkpoint"
	"github.com/jafarshop/catalog-sync/internal/diff"
	"github.com/jafarshop/catalog-sync/internal/feed"
	"github.com/jafarshop/catalog-sync/internal/platform"
	"github.com/jafarshop/catalog-sync/internal/shadow"
)

// fakeClient scripts platform behavior per SKU. Errors queue up and pop one
// per call; an empty queue means success.
type fakeClient struct {
	mu        sync.Mutex
	remote    []platform.RemoteEntity
	failures  map[string][]error
	created   []string
	updated   []string
	variants  []string
	priced    []string
	deleted   []string
	bulkCalls int
	bulkErrs  []error
	pingErr   error
	onCreate  func(sku string)
	onBulk    func()
}

func newFakeClient() *fakeClient {
	return &fakeClient{failures: make(map[string][]error)}
}

func (f *fakeClient) failNext(sku string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[sku] = append(f.failures[sku], errs...)
}

func (f *fakeClient) nextErr(sku string) error {
	q := f.failures[sku]
	if len(q) == 0 {
		return nil
	}
	f.failures[sku] = q[1:]
	return q[0]
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeClient) FetchCatalogSnapshot(ctx context.Context) ([]platform.RemoteEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]platform.RemoteEntity, len(f.remote))
	copy(out, f.remote)
	return out, nil
}

func (f *fakeClient) CreateProduct(ctx context.Context, rec feed.Record) (string, error) {
	f.mu.Lock()
	if err := f.nextErr(rec.SKU); err != nil {
		f.mu.Unlock()
		return "", err
	}
	f.created = append(f.created, rec.SKU)
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook(rec.SKU)
	}
	return "gid://" + rec.SKU, nil
}

func (f *fakeClient) CreateProductsBulk(ctx context.Context, recs []feed.Record) (map[string]string, map[string]error, error) {
	f.mu.Lock()
	f.bulkCalls++
	hook := f.onBulk
	var bulkErr error
	if len(f.bulkErrs) > 0 {
		bulkErr = f.bulkErrs[0]
		f.bulkErrs = f.bulkErrs[1:]
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if bulkErr != nil {
		return nil, nil, bulkErr
	}

	ids := make(map[string]string)
	itemErrs := make(map[string]error)
	for _, rec := range recs {
		id, err := f.CreateProduct(ctx, rec)
		if err != nil {
			itemErrs[rec.SKU] = err
			continue
		}
		ids[rec.SKU] = id
	}
	return ids, itemErrs, nil
}

func (f *fakeClient) UpdateProduct(ctx context.Context, remoteID string, rec feed.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextErr(rec.SKU); err != nil {
		return err
	}
	f.updated = append(f.updated, rec.SKU)
	return nil
}

func (f *fakeClient) UpdateVariants(ctx context.Context, remoteID string, rec feed.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextErr(rec.SKU); err != nil {
		return err
	}
	f.variants = append(f.variants, rec.SKU)
	return nil
}

func (f *fakeClient) UpdatePrice(ctx context.Context, remoteID string, rec feed.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextErr(rec.SKU); err != nil {
		return err
	}
	f.priced = append(f.priced, rec.SKU)
	return nil
}

func (f *fakeClient) DeleteProduct(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, remoteID)
	return nil
}

// fakeMedia scripts the media pipeline per asset URL.
type fakeMedia struct {
	mu        sync.Mutex
	processed []string
	fail      map[string]error
}

func (f *fakeMedia) Process(ctx context.Context, productRemoteID string, ref feed.MediaRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[ref.URL]; err != nil {
		return "", err
	}
	f.processed = append(f.processed, ref.URL)
	return fmt.Sprintf("gid://media/%d", len(f.processed)), nil
}

func record(sku, title, price string) feed.Record {
	return feed.Record{SKU: sku, Title: title, Price: price}
}

func syncedShadow(rec feed.Record, remoteID string) shadow.Record {
	return shadow.Record{
		SKU:          rec.SKU,
		RemoteID:     remoteID,
		ContentHash:  rec.Hash(),
		MetaHash:     rec.MetaHash(),
		PriceHash:    rec.PriceHash(),
		VariantHash:  rec.VariantHash(),
		MediaHash:    rec.MediaHash(),
		SyncStatus:   shadow.StatusSynced,
		LastSyncedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func remoteFor(sh shadow.Record) platform.RemoteEntity {
	return platform.RemoteEntity{
		RemoteID:  sh.RemoteID,
		SKU:       sh.SKU,
		UpdatedAt: sh.LastSyncedAt.Add(-time.Minute),
	}
}

func testFeed(hash string, recs ...feed.Record) *feed.Feed {
	return &feed.Feed{Records: recs, Hash: hash}
}

type fixture struct {
	store  *shadow.MemoryStore
	client *fakeClient
	media  *fakeMedia
	ckpt   checkpoint.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ckpt, err := checkpoint.NewManager(t.TempDir())
	require.NoError(t, err)
	return &fixture{
		store:  shadow.NewMemoryStore(),
		client: newFakeClient(),
		media:  &fakeMedia{fail: make(map[string]error)},
		ckpt:   ckpt,
	}
}

func (fx *fixture) orchestrator(opts Options) *Orchestrator {
	if opts.Retry.BaseDelay == 0 {
		opts.Retry.BaseDelay = time.Millisecond
		opts.Retry.MaxDelay = 5 * time.Millisecond
	}
	return New(opts, fx.store, fx.client, fx.media, fx.ckpt)
}

func TestRunFullSync(t *testing.T) {
	fx := newFixture(t)

	unchanged := record("KEEP-1", "Keeper", "10.00")
	priceOld := record("PRICE-1", "Priced", "20.00")
	metaOld := record("META-1", "Old Title", "30.00")
	goneOld := record("GONE-1", "Removed", "40.00")

	for _, rec := range []feed.Record{unchanged, priceOld, metaOld, goneOld} {
		sh := syncedShadow(rec, "gid://"+rec.SKU)
		fx.store.Seed(sh)
		fx.client.remote = append(fx.client.remote, remoteFor(sh))
	}

	priceNew := priceOld
	priceNew.Price = "25.00"
	metaNew := metaOld
	metaNew.Title = "New Title"
	created := record("NEW-1", "Brand New", "50.00")

	f := testFeed("feed-v1", unchanged, priceNew, metaNew, created)
	orch := fx.orchestrator(Options{AutoDelete: true, Concurrency: 2, BatchSize: 10})

	report, err := orch.Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.PriceChanged)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Conflicts)
	assert.Zero(t, report.DeadLettered)

	assert.Equal(t, []string{"NEW-1"}, fx.client.created)
	assert.Equal(t, []string{"META-1"}, fx.client.updated)
	assert.Equal(t, []string{"PRICE-1"}, fx.client.priced)
	assert.Equal(t, []string{"gid://GONE-1"}, fx.client.deleted)

	rows, err := fx.store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, shadow.StatusSynced, rows["NEW-1"].SyncStatus)
	assert.Equal(t, "gid://NEW-1", rows["NEW-1"].RemoteID)
	assert.Equal(t, priceNew.PriceHash(), rows["PRICE-1"].PriceHash)
	assert.True(t, rows["GONE-1"].Deleted)

	_, err = fx.ckpt.Load(context.Background())
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint,
		"completed runs must clear the checkpoint")
	assert.Equal(t, StateCompleted, orch.State())
}

func TestRunIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	f := testFeed("feed-v1",
		record("A-1", "Alpha", "1.00"),
		record("B-1", "Beta", "2.00"))

	orch := fx.orchestrator(Options{Concurrency: 2, BatchSize: 10})
	_, err := orch.Run(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, fx.client.created, 2)

	// Second run against the updated shadow must not touch the platform.
	fx.client.remote = []platform.RemoteEntity{
		{RemoteID: "gid://A-1", SKU: "A-1", UpdatedAt: time.Now().Add(-time.Hour)},
		{RemoteID: "gid://B-1", SKU: "B-1", UpdatedAt: time.Now().Add(-time.Hour)},
	}
	report, err := fx.orchestrator(Options{Concurrency: 2, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Created)
	assert.Len(t, fx.client.created, 2, "no duplicate creates")
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	fx := newFixture(t)
	fx.client.failNext("A-1",
		&platform.TransientError{Op: "create_product", Err: errors.New("503")})

	f := testFeed("feed-v1", record("A-1", "Alpha", "1.00"))
	report, err := fx.orchestrator(Options{
		Concurrency: 1, BatchSize: 10,
		Retry: RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3},
	}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.DeadLettered)

	var outcomes []shadow.Outcome
	for _, e := range fx.store.Ledger() {
		if e.SKU == "A-1" {
			outcomes = append(outcomes, e.Outcome)
		}
	}
	assert.Equal(t, []shadow.Outcome{shadow.OutcomeRetry, shadow.OutcomeSuccess}, outcomes)
}

func TestPermanentFailureDeadLettersWithoutBlockingOthers(t *testing.T) {
	fx := newFixture(t)
	fx.client.failNext("BAD-1",
		&platform.PermanentError{Op: "create_product", Err: errors.New("invalid title")})

	f := testFeed("feed-v1",
		record("BAD-1", "", "1.00"),
		record("GOOD-1", "Good", "2.00"))
	report, err := fx.orchestrator(Options{Concurrency: 2, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err, "item failures must not fail the run")

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.DeadLettered)
	require.Len(t, report.DeadLetterDetail, 1)
	assert.Equal(t, "BAD-1", report.DeadLetterDetail[0].SKU)

	rows, _ := fx.store.LoadAll(context.Background())
	assert.Equal(t, shadow.StatusFailed, rows["BAD-1"].SyncStatus)
	assert.Equal(t, shadow.StatusSynced, rows["GOOD-1"].SyncStatus)
}

func TestRateLimitedRetriesDoNotConsumeAttempts(t *testing.T) {
	fx := newFixture(t)
	fx.client.failNext("A-1",
		&platform.RateLimitedError{Op: "create_product", RetryAfter: time.Millisecond},
		&platform.RateLimitedError{Op: "create_product", RetryAfter: time.Millisecond})

	f := testFeed("feed-v1", record("A-1", "Alpha", "1.00"))
	report, err := fx.orchestrator(Options{
		Concurrency: 1, BatchSize: 10,
		Retry: RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 1},
	}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created, "throttles must not exhaust the attempt budget")
	assert.Zero(t, report.DeadLettered)
}

func TestRemoteDriftIsSkippedAndFlagged(t *testing.T) {
	fx := newFixture(t)

	old := record("X-100", "Impact Driver", "129.00")
	sh := syncedShadow(old, "gid://X-100")
	fx.store.Seed(sh)
	fx.client.remote = []platform.RemoteEntity{{
		RemoteID:  "gid://X-100",
		SKU:       "X-100",
		UpdatedAt: sh.LastSyncedAt.Add(time.Hour), // edited on the platform
	}}

	changed := old
	changed.Title = "Impact Driver XR"
	f := testFeed("feed-v2", changed)

	report, err := fx.orchestrator(Options{Concurrency: 1, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Conflicts)
	assert.Empty(t, fx.client.updated, "drifted products must not be overwritten")

	rows, _ := fx.store.LoadAll(context.Background())
	assert.Equal(t, shadow.StatusConflict, rows["X-100"].SyncStatus)
	assert.Equal(t, diff.ReasonRemoteDrift, rows["X-100"].ConflictReason)
}

func TestDeletionWithoutAutoDeleteLeavesShadowUntouched(t *testing.T) {
	fx := newFixture(t)

	gone := record("X-200", "Angle Grinder", "89.00")
	sh := syncedShadow(gone, "gid://X-200")
	fx.store.Seed(sh)
	fx.client.remote = []platform.RemoteEntity{remoteFor(sh)}

	keep := record("X-100", "Impact Driver", "129.00")
	f := testFeed("feed-v3", keep)

	report, err := fx.orchestrator(Options{Concurrency: 1, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Conflicts)
	assert.Empty(t, fx.client.deleted)

	rows, _ := fx.store.LoadAll(context.Background())
	assert.Equal(t, shadow.StatusSynced, rows["X-200"].SyncStatus)
	assert.False(t, rows["X-200"].Deleted)
}

func TestMediaFailureDoesNotBlockProduct(t *testing.T) {
	fx := newFixture(t)
	fx.media.fail["https://cdn/bad.jpg"] = &platform.PermanentError{
		Op: "fetch", Err: errors.New("404"),
	}

	rec := record("NEW-1", "Brand New", "50.00")
	rec.Media = []feed.MediaRef{
		{URL: "https://cdn/good.jpg"},
		{URL: "https://cdn/bad.jpg"},
	}
	f := testFeed("feed-v1", rec)

	report, err := fx.orchestrator(Options{Concurrency: 2, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.MediaUploaded)
	assert.Equal(t, 1, report.MediaDeadLettered)

	rows, _ := fx.store.LoadAll(context.Background())
	row := rows["NEW-1"]
	assert.Equal(t, shadow.StatusSynced, row.SyncStatus, "product sync must survive media failure")
	assert.NotEqual(t, rec.MediaHash(), row.MediaHash,
		"media hash must stay stale so the next run retries the upload")
	assert.NotEqual(t, rec.Hash(), row.ContentHash)

	// Next run re-attempts only the media.
	fx.client.remote = []platform.RemoteEntity{{
		RemoteID: "gid://NEW-1", SKU: "NEW-1", UpdatedAt: time.Now().Add(-time.Hour),
	}}
	delete(fx.media.fail, "https://cdn/bad.jpg")
	report, err = fx.orchestrator(Options{Concurrency: 2, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)
	assert.Zero(t, report.Created)
	assert.Len(t, fx.client.created, 1, "product must not be recreated")
	assert.Equal(t, 2, report.MediaUploaded)

	rows, _ = fx.store.LoadAll(context.Background())
	assert.Equal(t, rec.MediaHash(), rows["NEW-1"].MediaHash)
	assert.Equal(t, rec.Hash(), rows["NEW-1"].ContentHash)
}

func TestMediaSuccessAdvancesHashes(t *testing.T) {
	fx := newFixture(t)

	rec := record("NEW-1", "Brand New", "50.00")
	rec.Media = []feed.MediaRef{{URL: "https://cdn/a.jpg"}}
	f := testFeed("feed-v1", rec)

	_, err := fx.orchestrator(Options{Concurrency: 1, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)

	rows, _ := fx.store.LoadAll(context.Background())
	assert.Equal(t, rec.Hash(), rows["NEW-1"].ContentHash)
	assert.Equal(t, rec.MediaHash(), rows["NEW-1"].MediaHash)

	// With hashes settled, the next run is a pure skip.
	fx.client.remote = []platform.RemoteEntity{{
		RemoteID: "gid://NEW-1", SKU: "NEW-1", UpdatedAt: time.Now().Add(-time.Hour),
	}}
	report, err := fx.orchestrator(Options{Concurrency: 1, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, fx.media.processed, 1, "media must not be re-uploaded")
}

func TestDryRunMakesNoWrites(t *testing.T) {
	fx := newFixture(t)
	f := testFeed("feed-v1",
		record("A-1", "Alpha", "1.00"),
		record("B-1", "Beta", "2.00"))

	report, err := fx.orchestrator(Options{DryRun: true, Concurrency: 2, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Created, "report shows what would happen")
	assert.Empty(t, fx.client.created)
	assert.Empty(t, fx.store.Ledger())

	rows, _ := fx.store.LoadAll(context.Background())
	assert.Empty(t, rows)
}

func TestBulkCreateCoalescesRequests(t *testing.T) {
	fx := newFixture(t)
	f := testFeed("feed-v1",
		record("A-1", "Alpha", "1.00"),
		record("B-1", "Beta", "2.00"),
		record("C-1", "Gamma", "3.00"))

	report, err := fx.orchestrator(Options{Concurrency: 2, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 1, fx.client.bulkCalls, "leading creates must share one bulk request")
	assert.ElementsMatch(t, []string{"A-1", "B-1", "C-1"}, fx.client.created)
}

func TestInterruptedRunResumes(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	fx.client.onCreate = func(sku string) {
		if sku == "A-1" {
			cancel() // signal arrives mid-run
		}
	}

	f := testFeed("feed-v1",
		record("A-1", "Alpha", "1.00"),
		record("B-1", "Beta", "2.00"),
		record("C-1", "Gamma", "3.00"))

	opts := Options{Concurrency: 1, BatchSize: 1}
	report1, err := fx.orchestrator(opts).Run(ctx, f)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report1)

	cp, err := fx.ckpt.Load(context.Background())
	require.NoError(t, err, "interrupted runs must leave their checkpoint")
	assert.Equal(t, "feed-v1", cp.FeedHash)

	// Same feed, fresh context: the resumed run applies only the remainder.
	fx.client.onCreate = nil
	report2, err := fx.orchestrator(opts).Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, report1.RunID, report2.RunID, "resume must keep the run id")
	assert.ElementsMatch(t, []string{"A-1", "B-1", "C-1"}, fx.client.created,
		"each product created exactly once across both runs")

	_, err = fx.ckpt.Load(context.Background())
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}

func TestDrainDuringBulkCreateLeavesOpsUnresolved(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	fx.client.onBulk = cancel
	fx.client.bulkErrs = []error{
		&platform.TransientError{Op: "create_products_bulk", Err: errors.New("conn reset")},
	}

	f := testFeed("feed-v1",
		record("A-1", "Alpha", "1.00"),
		record("B-1", "Beta", "2.00"))

	opts := Options{Concurrency: 2, BatchSize: 10}
	report, err := fx.orchestrator(opts).Run(ctx, f)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)

	assert.Zero(t, report.DeadLettered, "interrupted creates are not failures")
	for _, e := range fx.store.Ledger() {
		assert.NotEqual(t, shadow.OutcomeDeadLetter, e.Outcome)
	}
	rows, _ := fx.store.LoadAll(context.Background())
	assert.Empty(t, rows, "drained operations must leave no shadow writes")

	cp, err := fx.ckpt.Load(context.Background())
	require.NoError(t, err, "interrupted runs must leave their checkpoint")
	assert.Equal(t, "feed-v1", cp.FeedHash)

	// Rerunning the same feed finishes the interrupted work.
	report2, err := fx.orchestrator(opts).Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, report2.Created)
	assert.Zero(t, report2.DeadLettered)
}

func TestFreshRunDiscardsCheckpoint(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.ckpt.Save(context.Background(), &checkpoint.Checkpoint{
		RunID:              "stale-run",
		FeedHash:           "feed-v1",
		LastCommittedBatch: 3,
	}))

	f := testFeed("feed-v1", record("A-1", "Alpha", "1.00"))
	report, err := fx.orchestrator(Options{Fresh: true, Concurrency: 1, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.NotEqual(t, "stale-run", report.RunID)
	assert.Equal(t, 1, report.Created)
	for _, e := range fx.store.Ledger() {
		assert.Equal(t, int64(1), e.BatchID, "fresh runs restart batch numbering")
	}
}

func TestPingFailureAbortsRun(t *testing.T) {
	fx := newFixture(t)
	fx.client.pingErr = &platform.FatalError{Err: errors.New("unauthorized")}

	f := testFeed("feed-v1", record("A-1", "Alpha", "1.00"))
	_, err := fx.orchestrator(Options{Concurrency: 1, BatchSize: 10}).Run(context.Background(), f)
	require.Error(t, err)
	assert.True(t, platform.IsFatal(err))
	assert.Empty(t, fx.client.created)
}

func TestPerSKUOperationsStayOrdered(t *testing.T) {
	fx := newFixture(t)

	// Create plus media for the same SKU inside one batch: the media op must
	// see the remote ID minted by the create.
	rec := record("A-1", "Alpha", "1.00")
	rec.Media = []feed.MediaRef{{URL: "https://cdn/a.jpg"}}
	f := testFeed("feed-v1", rec)

	report, err := fx.orchestrator(Options{Concurrency: 4, BatchSize: 10}).Run(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.MediaUploaded)
	assert.Zero(t, report.MediaDeadLettered)
}
