package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/tasks"
)

func newIndexedStore(t *testing.T) *IndexedStore {
	t.Helper()
	idx, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s := NewIndexedStore(tasks.NewMemoryStore(), idx, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexedStore_SearchFollowsMutations(t *testing.T) {
	ctx := context.Background()
	s := newIndexedStore(t)

	invoice, _ := s.Create(ctx, tasks.NewTask{Title: "Send invoice to Acme", ProjectID: "billing"})
	s.Create(ctx, tasks.NewTask{Title: "Rotate TLS certificates", Description: "acme client renewal", ProjectID: "ops"})
	s.Create(ctx, tasks.NewTask{Title: "Unrelated", Metadata: tasks.Metadata{"customer": "globex"}})

	got, err := s.Search(ctx, Query{Text: "acme"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got[0].ID != invoice {
		t.Errorf("title match should rank first, got %q", got[0].Title)
	}

	got, _ = s.Search(ctx, Query{Text: "acme", ProjectID: "ops"})
	if len(got) != 1 || got[0].ProjectID != "ops" {
		t.Errorf("project filter = %+v", got)
	}

	got, _ = s.Search(ctx, Query{Text: "globex"})
	if len(got) != 1 {
		t.Errorf("metadata should be searchable, got %d hits", len(got))
	}

	s.Update(ctx, invoice, tasks.Patch{Title: tasks.Ptr("Send invoice to Initech")})
	got, _ = s.Search(ctx, Query{Text: "initech"})
	if len(got) != 1 || got[0].ID != invoice {
		t.Errorf("update not reindexed: %+v", got)
	}

	claimed, _ := s.Claim(ctx, "billing")
	if claimed == nil {
		t.Fatal("expected a claim")
	}
	got, _ = s.Search(ctx, Query{Text: "initech", Status: tasks.StatusInProgress})
	if len(got) != 1 {
		t.Errorf("claim not reindexed: %+v", got)
	}
	got, _ = s.Search(ctx, Query{Text: "initech", Status: tasks.StatusPending})
	if len(got) != 0 {
		t.Errorf("stale status in index: %+v", got)
	}

	s.Delete(ctx, invoice)
	got, _ = s.Search(ctx, Query{Text: "initech"})
	if len(got) != 0 {
		t.Errorf("deleted task still found: %+v", got)
	}
}

// pausingStore holds Claim open after the claim commits, so an update can
// land before the decorator reindexes.
type pausingStore struct {
	*tasks.MemoryStore
	claimed chan struct{}
	resume  chan struct{}
}

func (p *pausingStore) Claim(ctx context.Context, projectID string) (*tasks.Task, error) {
	t, err := p.MemoryStore.Claim(ctx, projectID)
	close(p.claimed)
	<-p.resume
	return t, err
}

func TestIndexedStore_ClaimRacingUpdate(t *testing.T) {
	ctx := context.Background()
	idx, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	inner := &pausingStore{MemoryStore: tasks.NewMemoryStore(), claimed: make(chan struct{}), resume: make(chan struct{})}
	s := NewIndexedStore(inner, idx, nil)
	defer s.Close()

	id, _ := s.Create(ctx, tasks.NewTask{Title: "reconcile ledger"})

	done := make(chan *tasks.Task)
	go func() {
		claimed, _ := s.Claim(ctx, "")
		done <- claimed
	}()
	<-inner.claimed
	if ok, err := s.Update(ctx, id, tasks.Patch{Status: tasks.Ptr(tasks.StatusDone)}); !ok || err != nil {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	close(inner.resume)
	if claimed := <-done; claimed == nil || claimed.ID != id {
		t.Fatalf("claim returned %+v", claimed)
	}

	got, err := s.Search(ctx, Query{Text: "ledger", Status: tasks.StatusInProgress})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, task := range got {
		t.Errorf("Search(in_progress) returned task %d with status %s", task.ID, task.Status)
	}
	got, _ = s.Search(ctx, Query{Text: "ledger", Status: tasks.StatusDone})
	if len(got) != 1 || got[0].ID != id {
		t.Errorf("Search(done) = %+v", got)
	}
}

func TestIndexedStore_SearchRechecksFilters(t *testing.T) {
	ctx := context.Background()
	s := newIndexedStore(t)

	id, _ := s.Create(ctx, tasks.NewTask{Title: "renew domain", ProjectID: "ops"})
	stale, _ := s.Get(ctx, id)
	s.Update(ctx, id, tasks.Patch{Status: tasks.Ptr(tasks.StatusCancelled), ProjectID: tasks.Ptr("infra")})

	// Put the old row back, as a lost race would.
	if err := s.Index().Put(stale); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if got, _ := s.Search(ctx, Query{Text: "domain", Status: tasks.StatusPending}); len(got) != 0 {
		t.Errorf("status filter returned %+v", got)
	}
	if got, _ := s.Search(ctx, Query{Text: "domain", ProjectID: "ops"}); len(got) != 0 {
		t.Errorf("project filter returned %+v", got)
	}
	// The mismatch was reindexed from the store.
	got, _ := s.Search(ctx, Query{Text: "domain", Status: tasks.StatusCancelled, ProjectID: "infra"})
	if len(got) != 1 || got[0].ID != id {
		t.Errorf("Search after repair = %+v", got)
	}
}

func TestIndexedStore_Validation(t *testing.T) {
	s := newIndexedStore(t)
	if _, err := s.Search(context.Background(), Query{Text: "  "}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("empty query error = %v", err)
	}
	if _, err := s.Search(context.Background(), Query{Text: "x", Status: "blocked"}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("bad status error = %v", err)
	}
}

func TestIndexedStore_RebuildRepairsDrift(t *testing.T) {
	ctx := context.Background()
	inner := tasks.NewMemoryStore()
	inner.Create(ctx, tasks.NewTask{Title: "written before indexing"})

	idx, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s := NewIndexedStore(inner, idx, nil)
	defer s.Close()

	if got, _ := s.Search(ctx, Query{Text: "indexing"}); len(got) != 0 {
		t.Fatalf("index should start empty, got %d", len(got))
	}
	n, err := s.Rebuild(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Rebuild = %d, %v", n, err)
	}
	if got, _ := s.Search(ctx, Query{Text: "indexing"}); len(got) != 1 {
		t.Errorf("rebuilt index missed the task")
	}
	if c, _ := idx.Count(); c != 1 {
		t.Errorf("Count = %d", c)
	}
}

func TestIndexedStore_SkipsStaleHits(t *testing.T) {
	ctx := context.Background()
	inner := tasks.NewMemoryStore()
	idx, _ := Open("")
	s := NewIndexedStore(inner, idx, nil)
	defer s.Close()

	id, _ := s.Create(ctx, tasks.NewTask{Title: "ghost task"})
	inner.Delete(ctx, id) // bypasses the index

	got, err := s.Search(ctx, Query{Text: "ghost"})
	if err != nil || len(got) != 0 {
		t.Errorf("Search = %v, %v", got, err)
	}
	if c, _ := idx.Count(); c != 0 {
		t.Errorf("stale hit should be dropped, Count = %d", c)
	}
}

func TestOpen_PersistentIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx", "tasks.bleve")
	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	idx.Put(&tasks.Task{ID: 7, Title: "persisted entry", Status: tasks.StatusPending})
	idx.Close()

	idx, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer idx.Close()
	ids, err := idx.Search(context.Background(), Query{Text: "persisted"})
	if err != nil || len(ids) != 1 || ids[0] != 7 {
		t.Errorf("Search after reopen = %v, %v", ids, err)
	}
}

func TestFlattenMetadata(t *testing.T) {
	got := flattenMetadata(tasks.Metadata{
		"b": []any{"x", 2},
		"a": map[string]any{"nested": "deep"},
	})
	if got != "a nested deep b x 2" {
		t.Errorf("flattenMetadata = %q", got)
	}
}
