package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/taskkit/errors"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusDone, StatusCancelled}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.InvalidInput(
			fmt.Sprintf("invalid status %q: must be one of pending, in_progress, done, cancelled", s),
			errors.WithMetadata("field", "status"))
	}
	return st, nil
}

// Metadata is an open JSON object attached to a task.
type Metadata map[string]any

// Task is a unit of work in the queue.
type Task struct {
	ID          int64
	Title       string
	Description string
	Status      Status
	Priority    int64
	Metadata    Metadata
	ProjectID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Metadata = cloneMetadata(t.Metadata)
	return &c
}

// Attachment links a task to an externally stored document.
type Attachment struct {
	ID          int64
	TaskID      int64
	DocumentID  string
	Filename    string
	Description string
	AttachedAt  time.Time
}

// NewTask carries the fields accepted by Create. Status always starts
// as pending.
type NewTask struct {
	Title       string
	Description string
	Priority    int64
	Metadata    Metadata
	ProjectID   string
}

// Validate checks the fields Create requires.
func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return errors.InvalidInput("title is required", errors.WithMetadata("field", "title"))
	}
	return nil
}

// AttachmentInput carries the fields accepted by Attach.
type AttachmentInput struct {
	DocumentID  string
	Filename    string
	Description string
}

// Validate checks the fields Attach requires.
func (a AttachmentInput) Validate() error {
	if strings.TrimSpace(a.DocumentID) == "" {
		return errors.InvalidInput("document_id is required", errors.WithMetadata("field", "document_id"))
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched; non-nil fields
// are written even when they hold a zero value.
type Patch struct {
	Title       *string
	Description *string
	Status      *Status
	Priority    *int64
	Metadata    *Metadata
	ProjectID   *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the patch sets no fields.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.Metadata == nil && p.ProjectID == nil
}

// Validate rejects an empty title or an unknown status.
func (p Patch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return errors.InvalidInput("title cannot be empty", errors.WithMetadata("field", "title"))
	}
	if p.Status != nil {
		if _, err := ParseStatus(string(*p.Status)); err != nil {
			return err
		}
	}
	return nil
}

// apply writes the patch onto t.
func (p Patch) apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Metadata != nil {
		t.Metadata = cloneMetadata(*p.Metadata)
	}
	if p.ProjectID != nil {
		t.ProjectID = *p.ProjectID
	}
}

// ListOptions filters and orders List results. Zero values mean "no filter".
type ListOptions struct {
	Status    Status
	ProjectID string

	// OrderByPriority selects priority DESC, created_at ASC when nil or
	// true, and created_at DESC when false.
	OrderByPriority *bool

	// Limit caps the number of rows; zero or negative means unlimited.
	Limit int
}

func (o ListOptions) byPriority() bool {
	return o.OrderByPriority == nil || *o.OrderByPriority
}

// Validate rejects an unknown status filter.
func (o ListOptions) Validate() error {
	if o.Status != "" {
		if _, err := ParseStatus(string(o.Status)); err != nil {
			return err
		}
	}
	return nil
}

// Stats is a count of tasks by status across all projects.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Cancelled  int `json:"cancelled"`
}

func (s *Stats) add(status Status, n int) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusInProgress:
		s.InProgress += n
	case StatusDone:
		s.Done += n
	case StatusCancelled:
		s.Cancelled += n
	}
}

// Store is the task store contract shared by every backend.
type Store interface {
	Create(ctx context.Context, t NewTask) (int64, error)
	Get(ctx context.Context, id int64) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Update(ctx context.Context, id int64, p Patch) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)

	// Claim atomically moves the next pending task to in_progress. An empty
	// projectID considers every project. Returns nil when nothing is pending.
	Claim(ctx context.Context, projectID string) (*Task, error)

	Stats(ctx context.Context) (Stats, error)

	Attach(ctx context.Context, taskID int64, a AttachmentInput) (int64, error)
	ListAttachments(ctx context.Context, taskID int64) ([]*Attachment, error)
	GetAttachment(ctx context.Context, id int64) (*Attachment, error)
	RemoveAttachment(ctx context.Context, id int64) (bool, error)

	Close() error
}

// TimestampLayout is the fixed-width UTC layout used for persisted
// timestamps; lexical order equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses TimestampLayout, falling back to RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// clock hands out strictly increasing UTC instants so that updated_at
// advances on every mutation even within one clock tick. resolution
// matches what the backend can store.
type clock struct {
	mu         sync.Mutex
	last       time.Time
	resolution time.Duration
	now        func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now, resolution: time.Nanosecond}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Round(0).Truncate(c.resolution)
	if !t.After(c.last) {
		t = c.last.Add(c.resolution)
	}
	c.last = t
	return t
}

// encodeMetadata returns nil for an absent map so the column stays NULL.
func encodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.InvalidInput("metadata is not JSON-serializable",
			errors.WithMetadata("field", "metadata"), errors.WithCause(err))
	}
	return data, nil
}

// decodeMetadata keeps numbers as json.Number so integers round-trip
// without float rounding.
func decodeMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Corruption("stored metadata is not valid JSON", err)
	}
	return m, nil
}

// cloneMetadata deep-copies via JSON so callers cannot alias stored maps.
func cloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	out, err := decodeMetadata(data)
	if err != nil {
		return m
	}
	return out
}

func notFound(kind string, id int64, op string) *errors.Error {
	return errors.NotFound(fmt.Sprintf("%s %d not found", kind, id),
		errors.WithMetadata(kind+"_id", fmt.Sprint(id)), errors.WithOp(op))
}

func closedErr(op string) *errors.Error {
	return errors.New(errors.ErrCodeStorage, "store is closed", errors.WithOp(op))
}
