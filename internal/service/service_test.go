package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"finpatrol/internal/publisher"
	"finpatrol/internal/schedule"
	"finpatrol/internal/snapshot"
	"finpatrol/internal/storage"
)

var msk = time.FixedZone("MSK", 3*60*60)

type fakePipeline struct{ runs int }

func (f *fakePipeline) Run(context.Context) (snapshot.Snapshot, error) {
	f.runs++
	return snapshot.Snapshot{Payload: snapshot.Payload{
		snapshot.CategoryCBR: snapshot.Records{"USD-RUB": {Value: 90 + float64(f.runs)}},
	}}, nil
}

type fakeRenderer struct{}

func (fakeRenderer) RenderPayload(at time.Time, p snapshot.Payload) string {
	return at.Format(time.RFC3339)
}

type edit struct {
	id   int64
	text string
}

type fakePublisher struct {
	nextID     int64
	publishErr error
	editErr    error
	published  []string
	edits      []edit
}

func (f *fakePublisher) Publish(_ context.Context, _, text string) (int64, error) {
	if f.publishErr != nil {
		return 0, f.publishErr
	}
	f.nextID++
	f.published = append(f.published, text)
	return f.nextID, nil
}

func (f *fakePublisher) Edit(_ context.Context, _ string, id int64, text string) error {
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, edit{id, text})
	return nil
}

type fakeStore struct {
	messages  map[string]storage.PublishedMessage
	snapshots map[string]snapshot.Payload
	purged    int
	swept     int
	samples   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:  make(map[string]storage.PublishedMessage),
		snapshots: make(map[string]snapshot.Payload),
	}
}

func (f *fakeStore) SaveMessage(_ context.Context, day string, id int64, p snapshot.Payload) error {
	f.messages[day] = storage.PublishedMessage{Date: day, ExternalID: id, Payload: p}
	return nil
}

func (f *fakeStore) LatestMessageOnDate(_ context.Context, day string) (storage.PublishedMessage, error) {
	msg, ok := f.messages[day]
	if !ok {
		return storage.PublishedMessage{}, storage.ErrNotFound
	}
	return msg, nil
}

func (f *fakeStore) SaveDailySnapshot(_ context.Context, day string, p snapshot.Payload) error {
	f.snapshots[day] = p
	return nil
}

func (f *fakeStore) RetentionSweep(context.Context, int) (int64, error) {
	f.swept++
	return 0, nil
}

func (f *fakeStore) PurgeMalformed(context.Context, int) (int64, error) {
	f.purged++
	return 0, nil
}

func (f *fakeStore) SweepSamples(context.Context, time.Time) (int64, error) {
	f.samples++
	return 0, nil
}

type harness struct {
	svc   *Service
	pub   *fakePublisher
	store *fakeStore
	agg   *fakePipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	jobs, err := schedule.Specs{
		Publish: "0 0 * * *",
		Update:  "@every 3m",
		Freeze:  "57 23 * * *",
		Cleanup: "@every 24h",
	}.Jobs()
	if err != nil {
		t.Fatalf("解析任务失败: %v", err)
	}
	h := &harness{pub: &fakePublisher{}, store: newFakeStore(), agg: &fakePipeline{}}
	h.svc = New(nil, h.agg, fakeRenderer{}, h.pub, h.store, Options{
		Channel:              "@currency_patrol",
		Location:             msk,
		Jobs:                 jobs,
		MessageRetentionDays: 30,
		SampleRetention:      45 * 24 * time.Hour,
		MinPayloadLength:     10,
	}, zerolog.Nop())
	return h
}

func at(day, hour, min int) time.Time {
	return time.Date(2024, 5, day, hour, min, 0, 0, msk)
}

func TestStartupPublishesWhenNoMessage(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.Tick(context.Background(), at(31, 12, 0)); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if h.store.purged != 1 {
		t.Fatal("启动时应清理异常消息")
	}
	if len(h.pub.published) != 1 || h.svc.State() != Published {
		t.Fatalf("应立即发布, 状态 %s", h.svc.State())
	}
	if msg := h.store.messages["2024-05-31"]; msg.ExternalID != 1 {
		t.Fatalf("应保存消息 id, 实际 %+v", msg)
	}
}

func TestStartupResumesExistingMessage(t *testing.T) {
	h := newHarness(t)
	h.store.messages["2024-05-31"] = storage.PublishedMessage{Date: "2024-05-31", ExternalID: 77}

	if err := h.svc.Tick(context.Background(), at(31, 12, 0)); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if len(h.pub.published) != 0 || h.svc.State() != Editing || h.svc.MessageID() != 77 {
		t.Fatalf("应继续编辑已有消息, 状态 %s id %d", h.svc.State(), h.svc.MessageID())
	}

	if err := h.svc.Tick(context.Background(), at(31, 12, 3)); err != nil {
		t.Fatalf("更新失败: %v", err)
	}
	if len(h.pub.edits) != 1 || h.pub.edits[0].id != 77 {
		t.Fatalf("应编辑消息 77, 实际 %+v", h.pub.edits)
	}
}

func TestUpdateEditsPublishedMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.svc.Tick(ctx, at(31, 12, 0))

	if err := h.svc.Tick(ctx, at(31, 12, 1)); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}
	if len(h.pub.edits) != 0 {
		t.Fatal("未到更新时间不应编辑")
	}
	if err := h.svc.Tick(ctx, at(31, 12, 3)); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}
	if len(h.pub.edits) != 1 || h.svc.State() != Editing {
		t.Fatalf("应编辑一次, 状态 %s", h.svc.State())
	}
}

func TestPublishFailureRetriedByNextUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pub.publishErr = errors.New("telegram down")

	if err := h.svc.Tick(ctx, at(31, 12, 0)); err == nil {
		t.Fatal("发布失败应返回错误")
	}
	if h.svc.State() != NoMessageYet {
		t.Fatalf("发布失败后状态应保持, 实际 %s", h.svc.State())
	}

	h.pub.publishErr = nil
	if err := h.svc.Tick(ctx, at(31, 12, 3)); err != nil {
		t.Fatalf("重试失败: %v", err)
	}
	if len(h.pub.published) != 1 || h.svc.State() != Published {
		t.Fatalf("下一次更新应重新发布, 状态 %s", h.svc.State())
	}
}

func TestEditNotModifiedIsSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.svc.Tick(ctx, at(31, 12, 0))

	h.pub.editErr = publisher.ErrNotModified
	if err := h.svc.Tick(ctx, at(31, 12, 3)); err != nil {
		t.Fatalf("未修改不应视为错误: %v", err)
	}
	if h.svc.State() != Editing {
		t.Fatalf("状态应为 editing, 实际 %s", h.svc.State())
	}
}

func TestFreezeAndRollover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.svc.Tick(ctx, at(31, 23, 50))

	if err := h.svc.Tick(ctx, at(31, 23, 57)); err != nil {
		t.Fatalf("冻结失败: %v", err)
	}
	if h.svc.State() != Frozen {
		t.Fatalf("23:57 后应冻结, 实际 %s", h.svc.State())
	}
	if _, ok := h.store.snapshots["2024-05-31"]; !ok {
		t.Fatal("冻结时应保存当日快照")
	}
	edits := len(h.pub.edits)

	if err := h.svc.Tick(ctx, at(31, 23, 59)); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}
	if len(h.pub.edits) != edits {
		t.Fatal("冻结后不应再编辑")
	}

	midnight := time.Date(2024, 6, 1, 0, 0, 0, 0, msk)
	if err := h.svc.Tick(ctx, midnight); err != nil {
		t.Fatalf("跨日失败: %v", err)
	}
	if len(h.pub.published) != 2 || h.svc.State() != Published || h.svc.MessageID() != 2 {
		t.Fatalf("新的一天应发布新消息, 状态 %s id %d", h.svc.State(), h.svc.MessageID())
	}
	if len(h.pub.edits) != edits {
		t.Fatal("发布的同一 tick 内不应再编辑")
	}
	if msg := h.store.messages["2024-06-01"]; msg.ExternalID != 2 {
		t.Fatalf("应保存新一天的消息, 实际 %+v", msg)
	}
}

func TestCleanupRunsDaily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.svc.Tick(ctx, at(30, 12, 0))

	_ = h.svc.Tick(ctx, at(31, 12, 0))
	if h.store.swept != 1 || h.store.samples != 1 {
		t.Fatalf("24h 后应执行清理, messages %d samples %d", h.store.swept, h.store.samples)
	}
}

func TestDebugFreezeOnce(t *testing.T) {
	start := at(31, 12, 0)
	pub := &fakePublisher{}
	store := newFakeStore()
	svc := New(nil, &fakePipeline{}, fakeRenderer{}, pub, store, Options{
		Channel:  "@debug",
		Location: msk,
		Jobs: []schedule.Job{
			schedule.Once(schedule.JobFreeze, start.Add(5*time.Minute)),
		},
		ExitOnFreeze: true,
	}, zerolog.Nop())

	ctx := context.Background()
	_ = svc.Tick(ctx, start)
	_ = svc.Tick(ctx, start.Add(4*time.Minute))
	if svc.State() == Frozen {
		t.Fatal("未到 5 分钟不应冻结")
	}
	_ = svc.Tick(ctx, start.Add(5*time.Minute))
	if svc.State() != Frozen {
		t.Fatalf("5 分钟后应冻结, 实际 %s", svc.State())
	}
}

func TestFreezeWithoutMessageCollectsOnce(t *testing.T) {
	start := at(31, 12, 0)
	agg := &fakePipeline{}
	pub := &fakePublisher{publishErr: errors.New("telegram down")}
	store := newFakeStore()
	svc := New(nil, agg, fakeRenderer{}, pub, store, Options{
		Channel:  "@debug",
		Location: msk,
		Jobs: []schedule.Job{
			schedule.Once(schedule.JobFreeze, start.Add(5*time.Minute)),
		},
	}, zerolog.Nop())

	ctx := context.Background()
	_ = svc.Tick(ctx, start)
	if svc.State() != NoMessageYet || agg.runs != 1 {
		t.Fatalf("启动发布失败后应保持 no_message_yet, 状态 %s runs %d", svc.State(), agg.runs)
	}

	pub.publishErr = nil
	if err := svc.Tick(ctx, start.Add(5*time.Minute)); err != nil {
		t.Fatalf("冻结失败: %v", err)
	}
	if svc.State() != Frozen {
		t.Fatalf("应冻结, 实际 %s", svc.State())
	}
	if agg.runs != 2 {
		t.Fatalf("冻结时只应采集一次, 实际共 %d 次", agg.runs)
	}
	if len(pub.published) != 1 || len(pub.edits) != 0 {
		t.Fatalf("应发布一次且不编辑, published %d edits %d", len(pub.published), len(pub.edits))
	}
	final := store.snapshots["2024-05-31"]
	if got := final[snapshot.CategoryCBR]["USD-RUB"].Value; got != 92 {
		t.Fatalf("快照应来自同一次采集, 实际 %v", got)
	}
	if got := store.messages["2024-05-31"].Payload[snapshot.CategoryCBR]["USD-RUB"].Value; got != 92 {
		t.Fatalf("消息与快照应一致, 实际 %v", got)
	}
}
