package search

import (
	"context"

	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/tasks"
)

// IndexedStore wraps a tasks.Store and mirrors every committed change into
// an Index. Index failures are logged; the store stays the source of truth
// and Rebuild repairs drift.
type IndexedStore struct {
	tasks.Store
	index *Index
	log   *logging.Logger
}

// NewIndexedStore wraps inner with idx.
func NewIndexedStore(inner tasks.Store, idx *Index, logger *logging.Logger) *IndexedStore {
	if logger == nil {
		logger = logging.Nop()
	}
	return &IndexedStore{Store: inner, index: idx, log: logger.WithComponent("search")}
}

// Index returns the underlying index.
func (s *IndexedStore) Index() *Index {
	return s.index
}

// Rebuild reindexes every task in the store.
func (s *IndexedStore) Rebuild(ctx context.Context) (int, error) {
	all, err := s.Store.List(ctx, tasks.ListOptions{})
	if err != nil {
		return 0, err
	}
	if err := s.index.Replace(all); err != nil {
		return 0, err
	}
	s.log.Info("index_rebuilt", map[string]interface{}{"tasks": len(all)})
	return len(all), nil
}

// refresh reloads id from the store and reindexes it.
func (s *IndexedStore) refresh(ctx context.Context, id int64) {
	t, err := s.Store.Get(ctx, id)
	if err != nil {
		s.log.Warn("index_refresh_failed", map[string]interface{}{"id": id, "error": err.Error()})
		return
	}
	if t == nil {
		s.drop(id)
		return
	}
	s.put(t)
}

func (s *IndexedStore) put(t *tasks.Task) {
	if err := s.index.Put(t); err != nil {
		s.log.Warn("index_put_failed", map[string]interface{}{"id": t.ID, "error": err.Error()})
	}
}

func (s *IndexedStore) drop(id int64) {
	if err := s.index.Remove(id); err != nil {
		s.log.Warn("index_remove_failed", map[string]interface{}{"id": id, "error": err.Error()})
	}
}

func (s *IndexedStore) Create(ctx context.Context, n tasks.NewTask) (int64, error) {
	id, err := s.Store.Create(ctx, n)
	if err != nil {
		return 0, err
	}
	s.refresh(ctx, id)
	return id, nil
}

func (s *IndexedStore) Update(ctx context.Context, id int64, p tasks.Patch) (bool, error) {
	ok, err := s.Store.Update(ctx, id, p)
	if err != nil || !ok {
		return ok, err
	}
	s.refresh(ctx, id)
	return true, nil
}

func (s *IndexedStore) Delete(ctx context.Context, id int64) (bool, error) {
	ok, err := s.Store.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.drop(id)
	return true, nil
}

func (s *IndexedStore) Claim(ctx context.Context, projectID string) (*tasks.Task, error) {
	t, err := s.Store.Claim(ctx, projectID)
	if err != nil || t == nil {
		return t, err
	}
	// t may already be older than a concurrent update; index what is stored.
	s.refresh(ctx, t.ID)
	return t, nil
}

// Search runs q against the index and loads the matching tasks. Hits whose
// task no longer exists are dropped from the index. Hits whose stored task
// no longer matches the status or project filter are reindexed and skipped.
func (s *IndexedStore) Search(ctx context.Context, q Query) ([]*tasks.Task, error) {
	ids, err := s.index.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*tasks.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			s.drop(id)
			continue
		}
		if !q.filters(t) {
			s.put(t)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// filters reports whether t satisfies q's exact-match fields.
func (q Query) filters(t *tasks.Task) bool {
	if q.Status != "" && t.Status != q.Status {
		return false
	}
	return q.ProjectID == "" || t.ProjectID == q.ProjectID
}

// Close closes the index and then the wrapped store.
func (s *IndexedStore) Close() error {
	idxErr := s.index.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return idxErr
}
