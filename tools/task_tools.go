package tools

import (
	"context"
	"fmt"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/search"
	"github.com/vinayprograms/taskkit/tasks"
)

// TaskView is the wire form of a task. Empty optional strings and missing
// metadata are reported as null.
type TaskView struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Description *string        `json:"description"`
	Status      string         `json:"status"`
	Priority    int64          `json:"priority"`
	Metadata    tasks.Metadata `json:"metadata"`
	ProjectID   *string        `json:"project_id"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// AttachmentView is the wire form of an attachment.
type AttachmentView struct {
	ID          int64   `json:"id"`
	TaskID      int64   `json:"task_id"`
	DocumentID  string  `json:"document_id"`
	Filename    *string `json:"filename"`
	Description *string `json:"description"`
	AttachedAt  string  `json:"attached_at"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// NewTaskView converts a stored task; nil stays nil.
func NewTaskView(t *tasks.Task) *TaskView {
	if t == nil {
		return nil
	}
	return &TaskView{
		ID:          t.ID,
		Title:       t.Title,
		Description: nullable(t.Description),
		Status:      string(t.Status),
		Priority:    t.Priority,
		Metadata:    t.Metadata,
		ProjectID:   nullable(t.ProjectID),
		CreatedAt:   tasks.FormatTimestamp(t.CreatedAt),
		UpdatedAt:   tasks.FormatTimestamp(t.UpdatedAt),
	}
}

// NewAttachmentView converts a stored attachment; nil stays nil.
func NewAttachmentView(a *tasks.Attachment) *AttachmentView {
	if a == nil {
		return nil
	}
	return &AttachmentView{
		ID:          a.ID,
		TaskID:      a.TaskID,
		DocumentID:  a.DocumentID,
		Filename:    nullable(a.Filename),
		Description: nullable(a.Description),
		AttachedAt:  tasks.FormatTimestamp(a.AttachedAt),
	}
}

func taskViews(ts []*tasks.Task) []*TaskView {
	out := make([]*TaskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, NewTaskView(t))
	}
	return out
}

func taskNotFound(id int64) error {
	return errors.TaskNotFound(id)
}

func attachmentNotFound(id int64) error {
	return errors.NotFound(fmt.Sprintf("Attachment %d not found", id), errors.WithMetadata("attachment_id", fmt.Sprint(id)))
}

// RegisterTaskTools registers the task tools backed by store, plus the
// task_pop_next alias for task_claim.
func RegisterTaskTools(r *Registry, store tasks.Store) {
	r.Register(&taskCreateTool{store: store})
	r.Register(&taskGetTool{store: store})
	r.Register(&taskListTool{store: store})
	r.Register(&taskUpdateTool{store: store})
	r.Register(&taskDeleteTool{store: store})
	r.Register(&taskClaimTool{store: store})
	r.Register(&taskStatsTool{store: store})
	r.Register(&attachDocumentTool{store: store})
	r.Register(&listAttachmentsTool{store: store})
	r.Register(&getAttachmentTool{store: store})
	r.Register(&removeAttachmentTool{store: store})
	r.Alias("task_pop_next", "task_claim")
}

// Searcher is implemented by search.IndexedStore.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]*tasks.Task, error)
}

// RegisterSearchTool registers task_search.
func RegisterSearchTool(r *Registry, s Searcher) {
	r.Register(&taskSearchTool{searcher: s})
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func statusProp(description string) map[string]interface{} {
	p := prop("string", description)
	enum := make([]string, 0, len(tasks.Statuses))
	for _, s := range tasks.Statuses {
		enum = append(enum, string(s))
	}
	p["enum"] = enum
	return p
}

var taskIDProp = prop("integer", "Task ID (\"id\" is accepted as an alias)")

// optStatus reads a status filter or patch value.
func optStatus(args Args) (*tasks.Status, error) {
	s, err := args.OptString("status")
	if err != nil || s == nil {
		return nil, err
	}
	st, err := tasks.ParseStatus(*s)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- task_create ---

type taskCreateTool struct{ store tasks.Store }

func (t *taskCreateTool) Name() string { return "task_create" }

func (t *taskCreateTool) Description() string {
	return "Create a new pending task. Higher priority numbers are claimed first."
}

func (t *taskCreateTool) Parameters() map[string]interface{} {
	return schema([]string{"title"}, map[string]interface{}{
		"title":       prop("string", "Task title"),
		"description": prop("string", "Optional task description"),
		"priority":    prop("integer", "Priority, higher first (default 0)"),
		"metadata":    prop("object", "Optional JSON metadata such as tags or custom fields"),
		"project_id":  prop("string", "Optional project or group identifier"),
	})
}

func (t *taskCreateTool) Execute(ctx context.Context, args Args) (Result, error) {
	title, err := args.String("title")
	if err != nil {
		return nil, err
	}
	priority, err := args.OptInt64("priority")
	if err != nil {
		return nil, err
	}
	metadata, err := args.OptObject("metadata")
	if err != nil {
		return nil, err
	}
	description, err := args.OptString("description")
	if err != nil {
		return nil, err
	}
	projectID, err := args.OptString("project_id")
	if err != nil {
		return nil, err
	}

	nt := tasks.NewTask{Title: title, Metadata: metadata}
	if priority != nil {
		nt.Priority = *priority
	}
	if description != nil {
		nt.Description = *description
	}
	if projectID != nil {
		nt.ProjectID = *projectID
	}

	id, err := t.store.Create(ctx, nt)
	if err != nil {
		return nil, err
	}
	return Result{
		"id":      id,
		"message": fmt.Sprintf("Task '%s' created successfully with ID %d", title, id),
	}, nil
}

// --- task_get ---

type taskGetTool struct{ store tasks.Store }

func (t *taskGetTool) Name() string { return "task_get" }

func (t *taskGetTool) Description() string { return "Get a single task by ID." }

func (t *taskGetTool) Parameters() map[string]interface{} {
	return schema([]string{"task_id"}, map[string]interface{}{"task_id": taskIDProp})
}

func (t *taskGetTool) Execute(ctx context.Context, args Args) (Result, error) {
	id, err := args.ID("task_id", "id")
	if err != nil {
		return nil, err
	}
	task, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, taskNotFound(id)
	}
	return Result{"task": NewTaskView(task)}, nil
}

// --- task_list ---

type taskListTool struct{ store tasks.Store }

func (t *taskListTool) Name() string { return "task_list" }

func (t *taskListTool) Description() string {
	return "List tasks, optionally filtered by status and project. By default the highest priority and oldest tasks come first; with order_by_priority=false the newest come first."
}

func (t *taskListTool) Parameters() map[string]interface{} {
	return schema(nil, map[string]interface{}{
		"status":            statusProp("Filter by status"),
		"project_id":        prop("string", "Filter by project ID"),
		"order_by_priority": prop("boolean", "Order by priority then age (default true)"),
		"limit":             prop("integer", "Maximum number of tasks to return"),
	})
}

func (t *taskListTool) Execute(ctx context.Context, args Args) (Result, error) {
	status, err := optStatus(args)
	if err != nil {
		return nil, err
	}
	projectID, err := args.OptString("project_id")
	if err != nil {
		return nil, err
	}
	byPriority, err := args.OptBool("order_by_priority")
	if err != nil {
		return nil, err
	}
	limit, err := args.OptInt("limit")
	if err != nil {
		return nil, err
	}

	opts := tasks.ListOptions{OrderByPriority: byPriority}
	if status != nil {
		opts.Status = *status
	}
	if projectID != nil {
		opts.ProjectID = *projectID
	}
	if limit != nil {
		opts.Limit = *limit
	}

	list, err := t.store.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	return Result{"tasks": taskViews(list), "count": len(list)}, nil
}

// --- task_update ---

type taskUpdateTool struct{ store tasks.Store }

func (t *taskUpdateTool) Name() string { return "task_update" }

func (t *taskUpdateTool) Description() string {
	return "Update task fields. Only the provided fields change; metadata is replaced as a whole."
}

func (t *taskUpdateTool) Parameters() map[string]interface{} {
	return schema([]string{"task_id"}, map[string]interface{}{
		"task_id":     taskIDProp,
		"title":       prop("string", "New title"),
		"description": prop("string", "New description"),
		"status":      statusProp("New status"),
		"priority":    prop("integer", "New priority"),
		"metadata":    prop("object", "Replacement metadata"),
		"project_id":  prop("string", "New project ID"),
	})
}

func (t *taskUpdateTool) Execute(ctx context.Context, args Args) (Result, error) {
	id, err := args.ID("task_id", "id")
	if err != nil {
		return nil, err
	}

	var p tasks.Patch
	if p.Title, err = args.OptString("title"); err != nil {
		return nil, err
	}
	if p.Description, err = args.OptString("description"); err != nil {
		return nil, err
	}
	if p.Status, err = optStatus(args); err != nil {
		return nil, err
	}
	if p.Priority, err = args.OptInt64("priority"); err != nil {
		return nil, err
	}
	if p.ProjectID, err = args.OptString("project_id"); err != nil {
		return nil, err
	}
	metadata, err := args.OptObject("metadata")
	if err != nil {
		return nil, err
	}
	if metadata != nil {
		m := tasks.Metadata(metadata)
		p.Metadata = &m
	}

	if p.IsEmpty() {
		return nil, errors.InvalidInput("No fields provided to update")
	}

	ok, err := t.store.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, taskNotFound(id)
	}
	task, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Deleted between the update and the read.
		return nil, taskNotFound(id)
	}
	return Result{
		"success": true,
		"message": fmt.Sprintf("Task %d updated successfully", id),
		"task":    NewTaskView(task),
	}, nil
}

// --- task_delete ---

type taskDeleteTool struct{ store tasks.Store }

func (t *taskDeleteTool) Name() string { return "task_delete" }

func (t *taskDeleteTool) Description() string {
	return "Delete a task permanently, together with its attachments."
}

func (t *taskDeleteTool) Parameters() map[string]interface{} {
	return schema([]string{"task_id"}, map[string]interface{}{"task_id": taskIDProp})
}

func (t *taskDeleteTool) Execute(ctx context.Context, args Args) (Result, error) {
	id, err := args.ID("task_id", "id")
	if err != nil {
		return nil, err
	}
	ok, err := t.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, taskNotFound(id)
	}
	return Result{
		"success": true,
		"message": fmt.Sprintf("Task %d deleted successfully", id),
	}, nil
}

// --- task_claim ---

type taskClaimTool struct{ store tasks.Store }

func (t *taskClaimTool) Name() string { return "task_claim" }

func (t *taskClaimTool) Description() string {
	return "Take the highest-priority pending task and mark it in_progress. Each task is handed to at most one caller. Returns a null task when nothing is pending."
}

func (t *taskClaimTool) Parameters() map[string]interface{} {
	return schema(nil, map[string]interface{}{
		"project_id": prop("string", "Only claim from this project"),
	})
}

func (t *taskClaimTool) Execute(ctx context.Context, args Args) (Result, error) {
	projectID, err := args.OptString("project_id")
	if err != nil {
		return nil, err
	}
	var pid string
	if projectID != nil {
		pid = *projectID
	}

	task, err := t.store.Claim(ctx, pid)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return Result{"task": nil, "message": "No pending tasks available"}, nil
	}
	return Result{
		"task":    NewTaskView(task),
		"message": fmt.Sprintf("Task %d popped and marked as in_progress", task.ID),
	}, nil
}

// --- task_stats ---

type taskStatsTool struct{ store tasks.Store }

func (t *taskStatsTool) Name() string { return "task_stats" }

func (t *taskStatsTool) Description() string {
	return "Count tasks in total and by status across all projects."
}

func (t *taskStatsTool) Parameters() map[string]interface{} {
	return schema(nil, map[string]interface{}{})
}

func (t *taskStatsTool) Execute(ctx context.Context, args Args) (Result, error) {
	st, err := t.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return Result{
		"total":       st.Total,
		"pending":     st.Pending,
		"in_progress": st.InProgress,
		"done":        st.Done,
		"cancelled":   st.Cancelled,
	}, nil
}

// --- task_attach_document ---

type attachDocumentTool struct{ store tasks.Store }

func (t *attachDocumentTool) Name() string { return "task_attach_document" }

func (t *attachDocumentTool) Description() string {
	return "Attach a document reference to an existing task."
}

func (t *attachDocumentTool) Parameters() map[string]interface{} {
	return schema([]string{"task_id", "document_id"}, map[string]interface{}{
		"task_id":     taskIDProp,
		"document_id": prop("string", "Identifier of the document in its own store"),
		"filename":    prop("string", "Optional file name"),
		"description": prop("string", "Optional description"),
	})
}

func (t *attachDocumentTool) Execute(ctx context.Context, args Args) (Result, error) {
	taskID, err := args.ID("task_id", "id")
	if err != nil {
		return nil, err
	}
	docID, err := args.String("document_id")
	if err != nil {
		return nil, err
	}
	in := tasks.AttachmentInput{
		DocumentID:  docID,
		Filename:    args.StringOr("filename", ""),
		Description: args.StringOr("description", ""),
	}
	id, err := t.store.Attach(ctx, taskID, in)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return nil, taskNotFound(taskID)
	}
	if err != nil {
		return nil, err
	}
	return Result{
		"attachment_id": id,
		"message":       fmt.Sprintf("Document %s attached to task %d", docID, taskID),
	}, nil
}

// --- task_list_attachments ---

type listAttachmentsTool struct{ store tasks.Store }

func (t *listAttachmentsTool) Name() string { return "task_list_attachments" }

func (t *listAttachmentsTool) Description() string {
	return "List a task's attachments, most recently attached first."
}

func (t *listAttachmentsTool) Parameters() map[string]interface{} {
	return schema([]string{"task_id"}, map[string]interface{}{"task_id": taskIDProp})
}

func (t *listAttachmentsTool) Execute(ctx context.Context, args Args) (Result, error) {
	taskID, err := args.ID("task_id", "id")
	if err != nil {
		return nil, err
	}
	list, err := t.store.ListAttachments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	views := make([]*AttachmentView, 0, len(list))
	for _, a := range list {
		views = append(views, NewAttachmentView(a))
	}
	return Result{"attachments": views, "count": len(views)}, nil
}

// --- task_get_attachment ---

type getAttachmentTool struct{ store tasks.Store }

func (t *getAttachmentTool) Name() string { return "task_get_attachment" }

func (t *getAttachmentTool) Description() string { return "Get a single attachment by ID." }

func (t *getAttachmentTool) Parameters() map[string]interface{} {
	return schema([]string{"attachment_id"}, map[string]interface{}{
		"attachment_id": prop("integer", "Attachment ID"),
	})
}

func (t *getAttachmentTool) Execute(ctx context.Context, args Args) (Result, error) {
	id, err := args.Int64("attachment_id")
	if err != nil {
		return nil, err
	}
	a, err := t.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, attachmentNotFound(id)
	}
	return Result{"attachment": NewAttachmentView(a)}, nil
}

// --- task_remove_attachment ---

type removeAttachmentTool struct{ store tasks.Store }

func (t *removeAttachmentTool) Name() string { return "task_remove_attachment" }

func (t *removeAttachmentTool) Description() string { return "Remove an attachment from its task." }

func (t *removeAttachmentTool) Parameters() map[string]interface{} {
	return schema([]string{"attachment_id"}, map[string]interface{}{
		"attachment_id": prop("integer", "Attachment ID"),
	})
}

func (t *removeAttachmentTool) Execute(ctx context.Context, args Args) (Result, error) {
	id, err := args.Int64("attachment_id")
	if err != nil {
		return nil, err
	}
	ok, err := t.store.RemoveAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, attachmentNotFound(id)
	}
	return Result{
		"success": true,
		"message": fmt.Sprintf("Attachment %d removed", id),
	}, nil
}

// --- task_search ---

type taskSearchTool struct{ searcher Searcher }

func (t *taskSearchTool) Name() string { return "task_search" }

func (t *taskSearchTool) Description() string {
	return "Full-text search over task titles, descriptions and metadata, best matches first."
}

func (t *taskSearchTool) Parameters() map[string]interface{} {
	return schema([]string{"query"}, map[string]interface{}{
		"query":      prop("string", "Search text"),
		"status":     statusProp("Only return tasks with this status"),
		"project_id": prop("string", "Only return tasks in this project"),
		"limit":      prop("integer", "Maximum number of results (default 20)"),
	})
}

func (t *taskSearchTool) Execute(ctx context.Context, args Args) (Result, error) {
	text, err := args.String("query")
	if err != nil {
		return nil, err
	}
	status, err := optStatus(args)
	if err != nil {
		return nil, err
	}
	limit, err := args.OptInt("limit")
	if err != nil {
		return nil, err
	}

	q := search.Query{Text: text, ProjectID: args.StringOr("project_id", "")}
	if status != nil {
		q.Status = *status
	}
	if limit != nil {
		q.Limit = *limit
	}

	found, err := t.searcher.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return Result{"tasks": taskViews(found), "count": len(found)}, nil
}
