// Package search keeps a bleve full-text index of tasks so callers can find
// work by the words in its title, description and metadata.
package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/tasks"
)

const defaultLimit = 20

// Index is a bleve index of task documents keyed by task id.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
	path  string
}

// taskDocument is the indexed form of a task.
type taskDocument struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Metadata    string    `json:"metadata"`
	Status      string    `json:"status"`
	ProjectID   string    `json:"project_id"`
	Priority    float64   `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

// Query selects tasks. Text is required; Status and ProjectID narrow the
// result to exact matches.
type Query struct {
	Text      string
	Status    tasks.Status
	ProjectID string
	Limit     int
}

// Open opens the index at path, creating it if missing. An empty path
// builds a memory-only index.
func Open(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, errors.Storage("create memory index", err)
		}
		return &Index{index: idx}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Storage("create index directory", err)
	}
	var (
		idx bleve.Index
		err error
	)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, buildIndexMapping())
	} else {
		idx, err = bleve.Open(path)
	}
	if err != nil {
		return nil, errors.Storage("open bleve index", err)
	}
	return &Index{index: idx, path: path}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name

	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("description", text)
	doc.AddFieldMappingsAt("metadata", text)
	doc.AddFieldMappingsAt("status", exact)
	doc.AddFieldMappingsAt("project_id", exact)
	doc.AddFieldMappingsAt("priority", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt("created_at", bleve.NewDateTimeFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func toDocument(t *tasks.Task) taskDocument {
	return taskDocument{
		Title:       t.Title,
		Description: t.Description,
		Metadata:    flattenMetadata(t.Metadata),
		Status:      string(t.Status),
		ProjectID:   t.ProjectID,
		Priority:    float64(t.Priority),
		CreatedAt:   t.CreatedAt,
	}
}

// flattenMetadata turns keys and scalar values into searchable words.
func flattenMetadata(m tasks.Metadata) string {
	if len(m) == 0 {
		return ""
	}
	var words []string
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(x))
			for k := range x {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				words = append(words, k)
				walk(x[k])
			}
		case tasks.Metadata:
			walk(map[string]any(x))
		case []any:
			for _, e := range x {
				walk(e)
			}
		case nil:
		default:
			words = append(words, fmt.Sprint(x))
		}
	}
	walk(map[string]any(m))
	return strings.Join(words, " ")
}

// Put indexes or reindexes t.
func (i *Index) Put(t *tasks.Task) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.index.Index(docID(t.ID), toDocument(t)); err != nil {
		return errors.Storage("index task", err, errors.WithMetadata("id", docID(t.ID)))
	}
	return nil
}

// Remove drops a task from the index. Removing an unknown id is not an error.
func (i *Index) Remove(id int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.index.Delete(docID(id)); err != nil {
		return errors.Storage("unindex task", err, errors.WithMetadata("id", docID(id)))
	}
	return nil
}

// Replace swaps the index contents for ts in one batch.
func (i *Index) Replace(ts []*tasks.Task) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.index.NewBatch()
	ids, err := i.allIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		batch.Delete(id)
	}
	for _, t := range ts {
		if err := batch.Index(docID(t.ID), toDocument(t)); err != nil {
			return errors.Storage("batch index task", err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return errors.Storage("apply index batch", err)
	}
	return nil
}

func (i *Index) allIDs() ([]string, error) {
	n, err := i.index.DocCount()
	if err != nil {
		return nil, errors.Storage("count index", err)
	}
	if n == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(n)
	res, err := i.index.Search(req)
	if err != nil {
		return nil, errors.Storage("list index", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Count returns the number of indexed tasks.
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	n, err := i.index.DocCount()
	if err != nil {
		return 0, errors.Storage("count index", err)
	}
	return n, nil
}

// Search returns matching task ids, best match first.
func (i *Index) Search(ctx context.Context, q Query) ([]int64, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, errors.InvalidInput("query is required", errors.WithMetadata("field", "query"))
	}
	if q.Status != "" {
		if _, err := tasks.ParseStatus(string(q.Status)); err != nil {
			return nil, err
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	title := bleve.NewMatchQuery(text)
	title.SetField("title")
	title.SetBoost(2)
	desc := bleve.NewMatchQuery(text)
	desc.SetField("description")
	meta := bleve.NewMatchQuery(text)
	meta.SetField("metadata")

	must := []query.Query{bleve.NewDisjunctionQuery(title, desc, meta)}
	if q.Status != "" {
		st := bleve.NewTermQuery(string(q.Status))
		st.SetField("status")
		must = append(must, st)
	}
	if q.ProjectID != "" {
		p := bleve.NewTermQuery(q.ProjectID)
		p.SetField("project_id")
		must = append(must, p)
	}

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(must...))
	req.Size = limit

	i.mu.RLock()
	res, err := i.index.SearchInContext(ctx, req)
	i.mu.RUnlock()
	if err != nil {
		return nil, errors.Storage("search index", err)
	}

	ids := make([]int64, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close closes the underlying index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.index.Close(); err != nil {
		return errors.Storage("close index", err)
	}
	return nil
}
