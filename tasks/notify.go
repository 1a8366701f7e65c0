package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vinayprograms/taskkit/logging"
)

// Publisher is the part of a message bus the store needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event types published by NotifyingStore. The subject is
// "<prefix>.<type>".
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventDeleted  = "deleted"
	EventClaimed  = "claimed"
	EventAttached = "attached"
	EventDetached = "detached"
)

// Event is the JSON payload of a task lifecycle message.
type Event struct {
	Type         string `json:"type"`
	TaskID       int64  `json:"task_id,omitempty"`
	AttachmentID int64  `json:"attachment_id,omitempty"`
	Status       Status `json:"status,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	Priority     *int64 `json:"priority,omitempty"`
	At           string `json:"at"`
}

// NotifyingStore publishes an Event after every successful mutation of the
// wrapped store. Publish failures are logged and never fail the mutation,
// which has already committed.
type NotifyingStore struct {
	Store
	pub    Publisher
	prefix string
	log    *logging.Logger
}

// NewNotifyingStore wraps inner. An empty prefix defaults to "tasks".
func NewNotifyingStore(inner Store, pub Publisher, prefix string, logger *logging.Logger) *NotifyingStore {
	if prefix == "" {
		prefix = "tasks"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &NotifyingStore{Store: inner, pub: pub, prefix: prefix, log: logger.WithComponent("events")}
}

func (n *NotifyingStore) publish(ev Event) {
	ev.At = FormatTimestamp(time.Now())
	data, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("event_encode_failed", map[string]interface{}{"type": ev.Type, "error": err.Error()})
		return
	}
	subject := n.prefix + "." + ev.Type
	if err := n.pub.Publish(subject, data); err != nil {
		n.log.Warn("event_publish_failed", map[string]interface{}{"subject": subject, "error": err.Error()})
	}
}

func (n *NotifyingStore) Create(ctx context.Context, t NewTask) (int64, error) {
	id, err := n.Store.Create(ctx, t)
	if err != nil {
		return 0, err
	}
	n.publish(Event{Type: EventCreated, TaskID: id, Status: StatusPending, ProjectID: t.ProjectID, Priority: Ptr(t.Priority)})
	return id, nil
}

func (n *NotifyingStore) Update(ctx context.Context, id int64, p Patch) (bool, error) {
	ok, err := n.Store.Update(ctx, id, p)
	if err != nil || !ok {
		return ok, err
	}
	ev := Event{Type: EventUpdated, TaskID: id, Priority: p.Priority}
	if p.Status != nil {
		ev.Status = *p.Status
	}
	if p.ProjectID != nil {
		ev.ProjectID = *p.ProjectID
	}
	n.publish(ev)
	return true, nil
}

func (n *NotifyingStore) Delete(ctx context.Context, id int64) (bool, error) {
	ok, err := n.Store.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	n.publish(Event{Type: EventDeleted, TaskID: id})
	return true, nil
}

func (n *NotifyingStore) Claim(ctx context.Context, projectID string) (*Task, error) {
	t, err := n.Store.Claim(ctx, projectID)
	if err != nil || t == nil {
		return t, err
	}
	n.publish(Event{Type: EventClaimed, TaskID: t.ID, Status: t.Status, ProjectID: t.ProjectID, Priority: Ptr(t.Priority)})
	return t, nil
}

func (n *NotifyingStore) Attach(ctx context.Context, taskID int64, a AttachmentInput) (int64, error) {
	id, err := n.Store.Attach(ctx, taskID, a)
	if err != nil {
		return 0, err
	}
	n.publish(Event{Type: EventAttached, TaskID: taskID, AttachmentID: id})
	return id, nil
}

func (n *NotifyingStore) RemoveAttachment(ctx context.Context, id int64) (bool, error) {
	ok, err := n.Store.RemoveAttachment(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	n.publish(Event{Type: EventDetached, AttachmentID: id})
	return true, nil
}
