package history

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lumabase/genengine/gen"
	"github.com/lumabase/genengine/genapi"
	"github.com/lumabase/genengine/pkg/logger"
)

type fakeSource struct {
	calls   int
	queries []genapi.HistoryQuery
	fn      func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error)
}

func (f *fakeSource) History(ctx context.Context, q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
	f.calls++
	f.queries = append(f.queries, q)
	return f.fn(q)
}

func row(id, url string) genapi.HistoryRow {
	return genapi.HistoryRow{
		ID:        id,
		Prompt:    "p",
		ModelID:   "lumen-xl",
		Status:    "completed",
		CreatedAt: time.Now(),
		ImageURL:  url,
	}
}

func ids(recs []gen.GenerationRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestLoad_StoresOldestFirst(t *testing.T) {
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		// Server lists newest first.
		return []genapi.HistoryRow{row("r3", "u3"), row("r2", "u2"), row("r1", "u1")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{})

	page, err := s.Load(context.Background(), Key{Mode: gen.ModeTextToAsset})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := ids(page.Records)
	if len(got) != 3 || got[0] != "r1" || got[2] != "r3" {
		t.Fatalf("expected oldest-first r1..r3, got %v", got)
	}
}

func TestLoad_CachedWithinTTL(t *testing.T) {
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		return []genapi.HistoryRow{row("r1", "u1")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{TTL: time.Minute})
	key := Key{Mode: gen.ModeTextToAsset}

	for i := 0; i < 3; i++ {
		if _, err := s.Load(context.Background(), key); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected a single fetch, got %d", src.calls)
	}
}

func TestLoad_RefetchesAfterTTL(t *testing.T) {
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		return []genapi.HistoryRow{row("r1", "u1")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{TTL: time.Minute})
	key := Key{Mode: gen.ModeTextToAsset}

	now := time.Now()
	s.now = func() time.Time { return now }
	if _, err := s.Load(context.Background(), key); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := s.Load(context.Background(), key); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected refetch after TTL, got %d calls", src.calls)
	}
}

func TestInvalidate_Idempotent(t *testing.T) {
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		return []genapi.HistoryRow{row("r1", "u1")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{TTL: time.Minute})
	key := Key{Mode: gen.ModeTextToAsset}

	_, _ = s.Load(context.Background(), key)
	s.Invalidate(key)
	s.Invalidate(key)
	_, _ = s.Load(context.Background(), key)
	if src.calls != 2 {
		t.Fatalf("double invalidate should cause exactly one refetch, got %d calls", src.calls)
	}
	_, _ = s.Load(context.Background(), key)
	if src.calls != 2 {
		t.Fatalf("cache should be warm again, got %d calls", src.calls)
	}
}

func TestAppend_TailAndDedup(t *testing.T) {
	s := NewStore(&fakeSource{}, logger.NewNop(), Config{})
	key := Key{Mode: gen.ModeTextToAsset}

	s.Append(key, gen.GenerationRecord{ID: "a", Status: gen.StatusCompleted})
	s.Append(key, gen.GenerationRecord{ID: "b", Status: gen.StatusPending})
	s.Append(key, gen.GenerationRecord{ID: "a", Status: gen.StatusCompleted})

	got := ids(s.Snapshot(key))
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected sequence: %v", got)
	}
}

func TestReconcile_PreservesPosition(t *testing.T) {
	s := NewStore(&fakeSource{}, logger.NewNop(), Config{})
	key := Key{Mode: gen.ModeTextToAsset}

	s.Append(key, gen.GenerationRecord{ID: "a"})
	s.Append(key, gen.GenerationRecord{ID: "pending-1", Status: gen.StatusPending})
	s.Append(key, gen.GenerationRecord{ID: "c"})

	ok := s.Reconcile(key, "pending-1", gen.GenerationRecord{ID: "g1", URL: "u", Status: gen.StatusCompleted})
	if !ok {
		t.Fatalf("expected reconcile to find the placeholder")
	}
	got := s.Snapshot(key)
	if got[1].ID != "g1" || got[1].Status != gen.StatusCompleted {
		t.Fatalf("expected in-place swap at index 1, got %v", ids(got))
	}
	if s.Reconcile(key, "pending-1", gen.GenerationRecord{ID: "g2"}) {
		t.Fatalf("reconcile of a gone id should report false")
	}
}

func TestRemove(t *testing.T) {
	s := NewStore(&fakeSource{}, logger.NewNop(), Config{})
	key := Key{Mode: gen.ModeTextToAsset}
	s.Append(key, gen.GenerationRecord{ID: "a"})
	s.Append(key, gen.GenerationRecord{ID: "b"})

	if !s.Remove(key, "a") {
		t.Fatalf("expected removal")
	}
	if s.Remove(key, "a") {
		t.Fatalf("second removal should report false")
	}
	got := ids(s.Snapshot(key))
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected sequence: %v", got)
	}
}

func TestLoadMore_PrependsOlderAndFlipsHasMore(t *testing.T) {
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		if q.Offset == 0 {
			return []genapi.HistoryRow{row("r4", "u4"), row("r3", "u3")}, nil
		}
		// Older page, shorter than PageSize.
		return []genapi.HistoryRow{row("r2", "u2")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{PageSize: 2})
	key := Key{Mode: gen.ModeTextToAsset}

	page, err := s.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !page.HasMore {
		t.Fatalf("full first page should report more")
	}

	page, err = s.LoadMore(context.Background(), key)
	if err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	got := ids(page.Records)
	if len(got) != 3 || got[0] != "r2" || got[1] != "r3" || got[2] != "r4" {
		t.Fatalf("expected older page prepended, got %v", got)
	}
	if page.HasMore {
		t.Fatalf("short page should flip HasMore off")
	}
	if len(src.queries) != 2 || src.queries[1].Offset != 2 {
		t.Fatalf("expected second fetch at offset 2, got %+v", src.queries)
	}
}

func TestLoadMore_WithoutPriorLoadActsAsLoad(t *testing.T) {
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		return []genapi.HistoryRow{row("r1", "u1")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{})

	page, err := s.LoadMore(context.Background(), Key{Mode: gen.ModeTextToAsset})
	if err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("unexpected page: %v", ids(page.Records))
	}
}

func TestLoad_ExpandsMultiURLRows(t *testing.T) {
	multi := genapi.HistoryRow{
		ID:         "r1",
		Status:     "completed",
		CreatedAt:  time.Now(),
		OutputURLs: []string{"u0", "u1", "u2"},
	}
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		return []genapi.HistoryRow{multi}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{})

	page, err := s.Load(context.Background(), Key{Mode: gen.ModeTextToAsset})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := ids(page.Records)
	if len(got) != 3 || got[0] != "r1-0" || got[1] != "r1-1" || got[2] != "r1-2" {
		t.Fatalf("expected synthetic ids per url, got %v", got)
	}
	if page.Records[1].URL != "u1" {
		t.Fatalf("url/index mismatch: %+v", page.Records[1])
	}
}

func TestLoad_CarriesPendingAcrossRefresh(t *testing.T) {
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		return []genapi.HistoryRow{row("r1", "u1")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{})
	key := Key{Mode: gen.ModeTextToAsset}

	if _, err := s.Load(context.Background(), key); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.Append(key, gen.GenerationRecord{ID: "local-1", Status: gen.StatusPending})
	s.Invalidate(key)

	page, err := s.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := ids(page.Records)
	if len(got) != 2 || got[0] != "r1" || got[1] != "local-1" {
		t.Fatalf("expected pending carried at tail, got %v", got)
	}
	if page.Records[1].Status != gen.StatusPending {
		t.Fatalf("pending status lost: %+v", page.Records[1])
	}
}

func TestLoad_FailedRowsKeepFailedStatus(t *testing.T) {
	failed := genapi.HistoryRow{ID: "r1", Status: "failed", CreatedAt: time.Now()}
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		return []genapi.HistoryRow{failed}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{})

	page, err := s.Load(context.Background(), Key{Mode: gen.ModeTextToAsset})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].Status != gen.StatusFailed {
		t.Fatalf("unexpected records: %+v", page.Records)
	}
}

func TestLoad_ConcurrentMissesCoalesce(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		<-block
		return []genapi.HistoryRow{row("r1", "u1")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{})
	key := Key{Mode: gen.ModeTextToAsset}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Load(context.Background(), key); err != nil {
				t.Errorf("Load: %v", err)
			}
		}()
	}
	// Give the goroutines a moment to pile onto the same flight.
	time.Sleep(10 * time.Millisecond)
	close(block)
	wg.Wait()

	if src.calls != 1 {
		t.Fatalf("expected coalesced single fetch, got %d", src.calls)
	}
}

func TestStore_ConcurrentMutation(t *testing.T) {
	s := NewStore(&fakeSource{}, logger.NewNop(), Config{})
	key := Key{Mode: gen.ModeTextToAsset}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := "p" + strconv.Itoa(i)
			s.Append(key, gen.GenerationRecord{ID: id, Status: gen.StatusPending})
			if i%2 == 0 {
				s.Reconcile(key, id, gen.GenerationRecord{ID: "f" + strconv.Itoa(i), Status: gen.StatusCompleted})
			} else {
				s.Remove(key, id)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot(key)
	if len(snap) != 8 {
		t.Fatalf("expected 8 surviving records, got %d", len(snap))
	}
	for _, r := range snap {
		if r.Status != gen.StatusCompleted {
			t.Fatalf("no pending records may survive, got %+v", r)
		}
	}
}

func TestLoad_KeepsRecordReconciledMidFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		close(started)
		<-release
		return []genapi.HistoryRow{row("r1", "u1")}, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{})
	key := Key{Mode: gen.ModeTextToAsset}

	s.Append(key, gen.GenerationRecord{ID: "local-p1", Status: gen.StatusPending})

	done := make(chan *Page, 1)
	go func() {
		page, err := s.Load(context.Background(), key)
		if err != nil {
			t.Errorf("Load: %v", err)
		}
		done <- page
	}()

	<-started
	// The run resolves while the refresh is still on the wire.
	if !s.Reconcile(key, "local-p1", gen.GenerationRecord{ID: "g1", URL: "u-g1", Status: gen.StatusCompleted}) {
		t.Fatal("Reconcile should find the placeholder")
	}
	close(release)

	page := <-done
	got := ids(page.Records)
	if len(got) != 2 || got[0] != "r1" || got[1] != "g1" {
		t.Fatalf("refresh must keep the just-reconciled result, got %v", got)
	}
	if page.Records[1].Status != gen.StatusCompleted {
		t.Fatalf("carried record lost its status: %+v", page.Records[1])
	}
}

func TestLoad_DropsCarryOnceServerListsIt(t *testing.T) {
	pages := [][]genapi.HistoryRow{
		{row("r1", "u1")},
		{row("g1", "u-g1"), row("r1", "u1")},
	}
	src := &fakeSource{fn: func(q genapi.HistoryQuery) ([]genapi.HistoryRow, error) {
		p := pages[0]
		if len(pages) > 1 {
			pages = pages[1:]
		}
		return p, nil
	}}
	s := NewStore(src, logger.NewNop(), Config{})
	key := Key{Mode: gen.ModeTextToAsset}

	if _, err := s.Load(context.Background(), key); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.Append(key, gen.GenerationRecord{ID: "g1", URL: "u-g1", Status: gen.StatusCompleted})

	s.Invalidate(key)
	page, err := s.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := ids(page.Records)
	if len(got) != 2 || got[0] != "r1" || got[1] != "g1" {
		t.Fatalf("server-listed record must appear once in server order, got %v", got)
	}
}
