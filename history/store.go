// Package history keeps the paginated, cached view of past generations that
// the UI renders. Sequences are stored oldest-first: new records (including
// optimistic placeholders) land at the tail, older server pages are loaded
// onto the head. The store is the only mutable state shared across
// orchestration runs and UI reads.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lumabase/genengine/gen"
	"github.com/lumabase/genengine/genapi"
	"github.com/lumabase/genengine/pkg/logger"
)

// Key scopes one history sequence: a mode plus optional model and thread
// filters.
type Key struct {
	Mode     gen.Mode
	ModelID  string
	ThreadID string
}

func (k Key) String() string {
	return strings.Join([]string{string(k.Mode), k.ModelID, k.ThreadID}, "|")
}

// Page is a read-only snapshot of one key's loaded window.
type Page struct {
	Records []gen.GenerationRecord
	HasMore bool
}

// Source is the slice of the API client the store fetches rows through.
type Source interface {
	History(ctx context.Context, q genapi.HistoryQuery) ([]genapi.HistoryRow, error)
}

// Config tunes page size and cache freshness.
type Config struct {
	PageSize int           // default 24
	TTL      time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 24
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	return c
}

type pageState struct {
	records   []gen.GenerationRecord // oldest-first
	offset    int                    // server rows fetched so far
	hasMore   bool
	fetchedAt time.Time // zero means stale

	// local tracks ids of records created through Append (placeholders and
	// locally-resolved results) that have not yet shown up in a server page.
	// A refresh must never drop them.
	local map[string]struct{}
}

// Store caches one pageState per key. All mutation happens under mu; network
// fetches never hold the lock, and concurrent cache-miss loads for the same
// key are coalesced through singleflight.
type Store struct {
	mu    sync.Mutex
	pages map[Key]*pageState
	sf    singleflight.Group
	api   Source
	log   *logger.Logger
	cfg   Config
	now   func() time.Time
}

func NewStore(api Source, log *logger.Logger, cfg Config) *Store {
	return &Store{
		pages: make(map[Key]*pageState),
		api:   api,
		log:   log.With("service", "HistoryStore"),
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

type fetchResult struct {
	records []gen.GenerationRecord
	rows    int
	hasMore bool
}

// Load returns the newest window for a key, fetching from the server when
// the cache is stale. Locally-created records survive a refresh until the
// server lists them: placeholders are re-appended at the tail of the fresh
// window, and so are results that were reconciled while the fetch was in
// flight.
func (s *Store) Load(ctx context.Context, key Key) (*Page, error) {
	s.mu.Lock()
	st := s.pages[key]
	if st != nil && !st.fetchedAt.IsZero() && s.now().Sub(st.fetchedAt) < s.cfg.TTL {
		page := snapshot(st)
		s.mu.Unlock()
		return page, nil
	}
	s.mu.Unlock()

	v, err, _ := s.sf.Do("load|"+key.String(), func() (any, error) {
		rows, err := s.api.History(ctx, genapi.HistoryQuery{
			Mode:     key.Mode,
			Limit:    s.cfg.PageSize,
			Offset:   0,
			ModelID:  key.ModelID,
			ThreadID: key.ThreadID,
		})
		if err != nil {
			return nil, err
		}
		return fetchResult{
			records: expandRows(key, rows),
			rows:    len(rows),
			hasMore: len(rows) == s.cfg.PageSize,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	fr := v.(fetchResult)

	s.mu.Lock()
	defer s.mu.Unlock()
	st = s.ensureLocked(key)

	fresh := fr.records
	// Carry locally-created records across the refresh: placeholders still in
	// flight, and results reconciled while this fetch was on the wire. Once
	// the server page contains a record, it stops being local.
	for _, rec := range st.records {
		if _, isLocal := st.local[rec.ID]; !isLocal {
			continue
		}
		if containsID(fresh, rec.ID) {
			delete(st.local, rec.ID)
			continue
		}
		fresh = append(fresh, rec)
	}
	st.records = fresh
	st.offset = fr.rows
	st.hasMore = fr.hasMore
	st.fetchedAt = s.now()

	return snapshot(st), nil
}

// LoadMore fetches the next-older server page and prepends it to the head of
// the sequence. A short page flips HasMore off.
func (s *Store) LoadMore(ctx context.Context, key Key) (*Page, error) {
	s.mu.Lock()
	st := s.pages[key]
	if st == nil || st.fetchedAt.IsZero() {
		s.mu.Unlock()
		return s.Load(ctx, key)
	}
	offset := st.offset
	s.mu.Unlock()

	rows, err := s.api.History(ctx, genapi.HistoryQuery{
		Mode:     key.Mode,
		Limit:    s.cfg.PageSize,
		Offset:   offset,
		ModelID:  key.ModelID,
		ThreadID: key.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	older := expandRows(key, rows)

	s.mu.Lock()
	defer s.mu.Unlock()
	st = s.ensureLocked(key)
	if st.offset != offset {
		// Another loader got here first; don't double-prepend.
		return snapshot(st), nil
	}

	merged := make([]gen.GenerationRecord, 0, len(older)+len(st.records))
	for _, rec := range older {
		if !containsID(st.records, rec.ID) {
			merged = append(merged, rec)
		}
	}
	st.records = append(merged, st.records...)
	st.offset += len(rows)
	st.hasMore = len(rows) == s.cfg.PageSize

	return snapshot(st), nil
}

// Append adds a record at the tail (newest position). Duplicate ids are
// dropped.
func (s *Store) Append(key Key, rec gen.GenerationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(key)
	if containsID(st.records, rec.ID) {
		return
	}
	st.records = append(st.records, rec)
	st.local[rec.ID] = struct{}{}
}

// Reconcile swaps the record with id pendingID for final, in place. The
// sequence position never changes; this is how a placeholder silently
// becomes its real result. Returns false when no such record exists.
func (s *Store) Reconcile(key Key, pendingID string, final gen.GenerationRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pages[key]
	if st == nil {
		return false
	}
	for i := range st.records {
		if st.records[i].ID == pendingID {
			st.records[i] = final
			if _, ok := st.local[pendingID]; ok {
				delete(st.local, pendingID)
				st.local[final.ID] = struct{}{}
			}
			return true
		}
	}
	return false
}

// Remove deletes a record by id. Used on failure and cancellation paths.
func (s *Store) Remove(key Key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pages[key]
	if st == nil {
		return false
	}
	for i := range st.records {
		if st.records[i].ID == id {
			st.records = append(st.records[:i], st.records[i+1:]...)
			delete(st.local, id)
			return true
		}
	}
	return false
}

// Invalidate marks a key's cache stale so the next Load refetches.
// Idempotent: invalidating twice is the same as once.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.pages[key]; st != nil {
		st.fetchedAt = time.Time{}
	}
}

// Snapshot returns a copy of the current sequence for a key without touching
// the network or the cache clock.
func (s *Store) Snapshot(key Key) []gen.GenerationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pages[key]
	if st == nil {
		return nil
	}
	out := make([]gen.GenerationRecord, len(st.records))
	copy(out, st.records)
	return out
}

func (s *Store) ensureLocked(key Key) *pageState {
	st := s.pages[key]
	if st == nil {
		st = &pageState{local: make(map[string]struct{})}
		s.pages[key] = st
	}
	return st
}

func snapshot(st *pageState) *Page {
	out := make([]gen.GenerationRecord, len(st.records))
	copy(out, st.records)
	return &Page{Records: out, HasMore: st.hasMore}
}

func containsID(recs []gen.GenerationRecord, id string) bool {
	for i := range recs {
		if recs[i].ID == id {
			return true
		}
	}
	return false
}

// expandRows converts server rows (newest first) into oldest-first records.
// A row carrying several output URLs fans out into one record per URL with a
// synthetic id (row id plus index suffix) so downstream consumers never see
// the multiplicity.
func expandRows(key Key, rows []genapi.HistoryRow) []gen.GenerationRecord {
	out := make([]gen.GenerationRecord, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		urls := row.URLs()
		if len(urls) == 0 {
			urls = []string{""}
		}
		status := gen.StatusCompleted
		if strings.EqualFold(row.Status, string(gen.JobFailed)) {
			status = gen.StatusFailed
		}
		for j, u := range urls {
			id := row.ID
			if len(urls) > 1 {
				id = fmt.Sprintf("%s-%d", row.ID, j)
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, gen.GenerationRecord{
				ID:        id,
				URL:       u,
				Prompt:    row.Prompt,
				ModelID:   row.ModelID,
				Mode:      key.Mode,
				Settings:  gen.Settings{AspectRatio: row.AspectRatio},
				Status:    status,
				CreatedAt: row.CreatedAt,
				ThreadID:  row.ThreadID,
			})
		}
	}
	return out
}
