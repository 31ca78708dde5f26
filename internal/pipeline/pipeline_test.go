package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"finpatrol/internal/config"
	"finpatrol/internal/fetcher"
	"finpatrol/internal/snapshot"
	"finpatrol/internal/storage"
)

var baseTime = time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)

const (
	today     = "2024-05-31"
	yesterday = "2024-05-30"
)

type stubSource struct {
	name     string
	category snapshot.Category
	quotes   fetcher.Quotes
	err      error
}

func (s stubSource) Name() string                { return s.name }
func (s stubSource) Category() snapshot.Category { return s.category }
func (s stubSource) Fetch(context.Context) (fetcher.Quotes, error) {
	return s.quotes, s.err
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, _ := newTestStoreDB(t)
	return st
}

func newTestStoreDB(t *testing.T) (*storage.Store, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db, dialect, release, err := storage.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	st := storage.NewStore(db, dialect, storage.Options{
		Location: time.UTC,
		Now:      func() time.Time { return baseTime },
		Logger:   zerolog.Nop(),
		Release:  release,
	})
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, db
}

func newTestPipeline(sources []fetcher.Source, store Store, dryRun bool) *Pipeline {
	return New(sources, store, snapshot.ProcessorConfig{
		MajorCoin: "BTC",
		Thresholds: map[string]snapshot.Threshold{
			"USD-RUB": {BucketSize: 5, Marker: "🏅"},
		},
	}, Options{
		Location: time.UTC,
		Now:      func() time.Time { return baseTime },
		DryRun:   dryRun,
	}, zerolog.Nop())
}

func emptySources() []fetcher.Source {
	return []fetcher.Source{
		stubSource{name: "cbr", category: snapshot.CategoryCBR, quotes: fetcher.Quotes{}},
		stubSource{name: "yahoo", category: snapshot.CategoryFinance, quotes: fetcher.Quotes{}},
		stubSource{name: "lcw", category: snapshot.CategoryCrypto, quotes: fetcher.Quotes{}},
	}
}

func f(v float64) *float64 { return &v }

func TestRunBackfillsWhenAllSourcesEmpty(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	prev := snapshot.Payload{
		snapshot.CategoryFinance: snapshot.Records{
			"EUR-USD": {Value: 1.08, Change: snapshot.String("0.10%"), IntervalChanges: snapshot.IntervalChanges{Hour: f(0.1)}},
		},
	}
	if err := st.SaveDailySnapshot(ctx, yesterday, prev); err != nil {
		t.Fatalf("保存快照失败: %v", err)
	}

	snap, err := newTestPipeline(emptySources(), st, false).Run(ctx)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}

	rec, ok := snap.Payload.Get(snapshot.CategoryFinance)["EUR-USD"]
	if !ok {
		t.Fatal("应回填 EUR-USD")
	}
	if rec.Value != 1.08 || !rec.Stale {
		t.Fatalf("回填记录异常: %+v", rec)
	}
	if rec.Change != nil || rec.IntervalChanges != (snapshot.IntervalChanges{}) {
		t.Fatalf("回填记录不应带变化值: %+v", rec)
	}

	count, err := st.CountSamples(ctx)
	if err != nil || count != 0 {
		t.Fatalf("回填值不应写入历史: %d %v", count, err)
	}
	if _, err := st.DailySnapshotOn(ctx, today); err != nil {
		t.Fatalf("应保存今日快照: %v", err)
	}
}

func TestRunIsolatesFailingSource(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	prev := snapshot.Payload{snapshot.CategoryCBR: snapshot.Records{"USD-RUB": {Value: 90}}}
	if err := st.SaveDailySnapshot(ctx, yesterday, prev); err != nil {
		t.Fatalf("保存快照失败: %v", err)
	}

	sources := []fetcher.Source{
		stubSource{name: "cbr", category: snapshot.CategoryCBR, quotes: fetcher.Quotes{"USD-RUB": f(95.5)}},
		stubSource{name: "yahoo", category: snapshot.CategoryFinance, quotes: fetcher.Quotes{"Brent": f(0), "NASDAQ": f(17000), "USD-UAH": nil}},
		stubSource{name: "lcw", category: snapshot.CategoryCrypto, err: errors.New("timeout")},
	}

	snap, err := newTestPipeline(sources, st, false).Run(ctx)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}

	usd := snap.Payload.Get(snapshot.CategoryCBR)["USD-RUB"]
	if usd.Change == nil || *usd.Change != "6.11%" || usd.ThresholdFlag != "🏅" {
		t.Fatalf("USD-RUB 记录异常: %+v", usd)
	}

	finance := snap.Payload.Get(snapshot.CategoryFinance)
	if len(finance) != 1 {
		t.Fatalf("零值与 null 应被丢弃, 实际 %v", finance.Keys())
	}
	if len(snap.Payload.Get(snapshot.CategoryCrypto)) != 0 {
		t.Fatal("失败的数据源且无昨日数据时应为空")
	}

	count, err := st.CountSamples(ctx)
	if err != nil || count != 2 {
		t.Fatalf("期望写入 2 条样本, 实际 %d %v", count, err)
	}
}

func TestRunFallsBackToPublishedMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	prev := snapshot.Payload{snapshot.CategoryCrypto: snapshot.Records{"BTC": {Value: 60000}}}
	if err := st.SaveMessage(ctx, yesterday, 7, prev); err != nil {
		t.Fatalf("保存消息失败: %v", err)
	}

	sources := []fetcher.Source{
		stubSource{name: "lcw", category: snapshot.CategoryCrypto, quotes: fetcher.Quotes{"BTC": f(66000)}},
	}
	snap, err := newTestPipeline(sources, st, false).Run(ctx)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	btc := snap.Payload.Get(snapshot.CategoryCrypto)["BTC"]
	if btc.Change == nil || *btc.Change != "10.00%" {
		t.Fatalf("应以昨日消息为基准, 实际 %+v", btc)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sources := []fetcher.Source{
		stubSource{name: "cbr", category: snapshot.CategoryCBR, quotes: fetcher.Quotes{"USD-RUB": f(91)}},
	}
	snap, err := newTestPipeline(sources, st, true).Run(ctx)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if len(snap.Payload.Get(snapshot.CategoryCBR)) != 1 {
		t.Fatal("试运行仍应返回结果")
	}
	if count, _ := st.CountSamples(ctx); count != 0 {
		t.Fatalf("试运行不应写入样本, 实际 %d", count)
	}
	if _, err := st.DailySnapshotOn(ctx, today); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("试运行不应保存快照: %v", err)
	}
}

type failingSaveStore struct {
	*storage.Store
}

func (failingSaveStore) SaveDailySnapshot(context.Context, string, snapshot.Payload) error {
	return errors.New("disk full")
}

func TestRunReportsPersistFailure(t *testing.T) {
	st := failingSaveStore{newTestStore(t)}
	sources := []fetcher.Source{
		stubSource{name: "cbr", category: snapshot.CategoryCBR, quotes: fetcher.Quotes{"USD-RUB": f(91)}},
	}

	snap, err := newTestPipeline(sources, st, false).Run(context.Background())
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("期望 ErrPersist, 实际 %v", err)
	}
	if len(snap.Payload.Get(snapshot.CategoryCBR)) != 1 {
		t.Fatal("持久化失败时仍应返回快照")
	}
}

func TestRunTreatsCorruptPreviousStateAsEmpty(t *testing.T) {
	st, db := newTestStoreDB(t)
	ctx := context.Background()

	prev := snapshot.Payload{snapshot.CategoryCBR: snapshot.Records{"USD-RUB": {Value: 90}}}
	if err := st.SaveDailySnapshot(ctx, yesterday, prev); err != nil {
		t.Fatalf("保存快照失败: %v", err)
	}
	if err := st.SaveMessage(ctx, yesterday, 7, prev); err != nil {
		t.Fatalf("保存消息失败: %v", err)
	}
	for _, table := range []string{"daily_snapshots", "messages"} {
		if _, err := db.ExecContext(ctx, "UPDATE "+table+" SET payload = '{'"); err != nil {
			t.Fatalf("破坏 %s 失败: %v", table, err)
		}
	}

	sources := []fetcher.Source{
		stubSource{name: "cbr", category: snapshot.CategoryCBR, quotes: fetcher.Quotes{"USD-RUB": f(95.5)}},
	}
	snap, err := newTestPipeline(sources, st, false).Run(ctx)
	if err != nil {
		t.Fatalf("损坏的昨日数据不应中断运行: %v", err)
	}

	usd, ok := snap.Payload.Get(snapshot.CategoryCBR)["USD-RUB"]
	if !ok || usd.Value != 95.5 {
		t.Fatalf("应输出新数据, 实际 %+v", usd)
	}
	if usd.Change != nil {
		t.Fatalf("无可读基准时 change 应为 nil, 实际 %s", *usd.Change)
	}
	if _, err := st.DailySnapshotOn(ctx, today); err != nil {
		t.Fatalf("应保存今日快照: %v", err)
	}
}
