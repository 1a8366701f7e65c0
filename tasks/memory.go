package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/vinayprograms/taskkit/logging"
)

// MemoryStore is an in-process Store. Data is lost when the process exits.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[int64]*Task
	attachments map[int64]*Attachment
	nextTask    int64
	nextAttach  int64
	closed      bool
	clock       *clock
	log         *logging.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{
		tasks:       make(map[int64]*Task),
		attachments: make(map[int64]*Attachment),
		clock:       o.clock,
		log:         o.logger,
	}
}

// Close marks the store closed. Later calls fail with STORAGE.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// lock acquires the mutex and reports a closed-store error if needed.
// On error the mutex is not held.
func (m *MemoryStore) lock(op string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return closedErr(op)
	}
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, n NewTask) (int64, error) {
	if err := n.Validate(); err != nil {
		return 0, err
	}
	if _, err := encodeMetadata(n.Metadata); err != nil {
		return 0, err
	}
	if err := m.lock("create"); err != nil {
		return 0, err
	}
	m.nextTask++
	now := m.clock.Now()
	t := &Task{
		ID:          m.nextTask,
		Title:       n.Title,
		Description: n.Description,
		Status:      StatusPending,
		Priority:    n.Priority,
		Metadata:    cloneMetadata(n.Metadata),
		ProjectID:   n.ProjectID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.log.TaskEvent("task_created", t.ID, map[string]interface{}{"priority": t.Priority, "project_id": t.ProjectID})
	return t.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Task, error) {
	if err := m.lock("get"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := m.lock("list"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if opts.ProjectID != "" && t.ProjectID != opts.ProjectID {
			continue
		}
		out = append(out, t.Clone())
	}
	if opts.byPriority() {
		sortQueue(out)
	} else {
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// sortQueue orders tasks the way Claim picks them: priority descending,
// then oldest first, then lowest id.
func sortQueue(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (m *MemoryStore) Update(ctx context.Context, id int64, p Patch) (bool, error) {
	if p.IsEmpty() {
		return false, nil
	}
	if err := p.Validate(); err != nil {
		return false, err
	}
	if p.Metadata != nil {
		if _, err := encodeMetadata(*p.Metadata); err != nil {
			return false, err
		}
	}
	if err := m.lock("update"); err != nil {
		return false, err
	}
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	p.apply(t)
	t.UpdatedAt = m.clock.Now()
	m.mu.Unlock()

	m.log.TaskEvent("task_updated", id, nil)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) (bool, error) {
	if err := m.lock("delete"); err != nil {
		return false, err
	}
	if _, ok := m.tasks[id]; !ok {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.tasks, id)
	for aid, a := range m.attachments {
		if a.TaskID == id {
			delete(m.attachments, aid)
		}
	}
	m.mu.Unlock()

	m.log.TaskEvent("task_deleted", id, nil)
	return true, nil
}

func (m *MemoryStore) Claim(ctx context.Context, projectID string) (*Task, error) {
	if err := m.lock("claim"); err != nil {
		return nil, err
	}
	var pending []*Task
	for _, t := range m.tasks {
		if t.Status != StatusPending {
			continue
		}
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	sortQueue(pending)
	t := pending[0]
	t.Status = StatusInProgress
	t.UpdatedAt = m.clock.Now()
	claimed := t.Clone()
	m.mu.Unlock()

	m.log.TaskEvent("task_claimed", claimed.ID, map[string]interface{}{"priority": claimed.Priority, "project_id": claimed.ProjectID})
	return claimed, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := m.lock("stats"); err != nil {
		return Stats{}, err
	}
	defer m.mu.Unlock()
	var st Stats
	for _, t := range m.tasks {
		st.add(t.Status, 1)
	}
	return st, nil
}

func (m *MemoryStore) Attach(ctx context.Context, taskID int64, in AttachmentInput) (int64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	if err := m.lock("attach"); err != nil {
		return 0, err
	}
	if _, ok := m.tasks[taskID]; !ok {
		m.mu.Unlock()
		return 0, notFound("task", taskID, "attach")
	}
	m.nextAttach++
	a := &Attachment{
		ID:          m.nextAttach,
		TaskID:      taskID,
		DocumentID:  in.DocumentID,
		Filename:    in.Filename,
		Description: in.Description,
		AttachedAt:  m.clock.Now(),
	}
	m.attachments[a.ID] = a
	m.mu.Unlock()

	m.log.TaskEvent("document_attached", taskID, map[string]interface{}{"attachment_id": a.ID, "document_id": a.DocumentID})
	return a.ID, nil
}

func (m *MemoryStore) ListAttachments(ctx context.Context, taskID int64) ([]*Attachment, error) {
	if err := m.lock("list_attachments"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []*Attachment
	for _, a := range m.attachments {
		if a.TaskID == taskID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].AttachedAt.After(out[j].AttachedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	if err := m.lock("get_attachment"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	a, ok := m.attachments[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) RemoveAttachment(ctx context.Context, id int64) (bool, error) {
	if err := m.lock("remove_attachment"); err != nil {
		return false, err
	}
	_, ok := m.attachments[id]
	delete(m.attachments, id)
	m.mu.Unlock()
	if ok {
		m.log.Info("document_detached", map[string]interface{}{"attachment_id": id})
	}
	return ok, nil
}
