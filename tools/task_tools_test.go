package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/search"
	"github.com/vinayprograms/taskkit/tasks"
)

func newTaskRegistry(t *testing.T) (*Registry, tasks.Store) {
	t.Helper()
	store := tasks.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	reg := NewRegistry()
	RegisterTaskTools(reg, store)
	return reg, store
}

// call runs a tool with JSON arguments decoded the way the MCP server
// decodes them, so numbers arrive as json.Number.
func call(t *testing.T, reg *Registry, name, argsJSON string) (Result, bool) {
	t.Helper()
	var args map[string]interface{}
	if argsJSON != "" {
		dec := json.NewDecoder(strings.NewReader(argsJSON))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			t.Fatalf("bad test args %s: %v", argsJSON, err)
		}
	}
	return reg.Execute(context.Background(), name, args)
}

func mustCall(t *testing.T, reg *Registry, name, argsJSON string) Result {
	t.Helper()
	res, isErr := call(t, reg, name, argsJSON)
	if isErr {
		t.Fatalf("%s(%s) failed: %v", name, argsJSON, res)
	}
	return res
}

func createTask(t *testing.T, reg *Registry, argsJSON string) int64 {
	t.Helper()
	return mustCall(t, reg, "task_create", argsJSON)["id"].(int64)
}

func TestTaskTools_Registered(t *testing.T) {
	reg, _ := newTaskRegistry(t)

	want := []string{
		"task_attach_document", "task_claim", "task_create", "task_delete",
		"task_get", "task_get_attachment", "task_list", "task_list_attachments",
		"task_remove_attachment", "task_stats", "task_update",
	}
	defs := reg.Definitions()
	if len(defs) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(defs))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("tool %d = %s, want %s", i, d.Name, want[i])
		}
	}
	if !reg.Has("task_pop_next") {
		t.Error("task_pop_next alias missing")
	}
}

func TestTaskTools_PriorityBeyondInt32(t *testing.T) {
	reg, _ := newTaskRegistry(t)

	createTask(t, reg, `{"title":"ordinary","priority":2147483647}`)
	big := createTask(t, reg, `{"title":"urgent","priority":1099511627776}`)
	low := createTask(t, reg, `{"title":"below zero","priority":-1099511627776}`)

	got := mustCall(t, reg, "task_get", fmt.Sprintf(`{"task_id":%d}`, big))["task"].(*TaskView)
	if got.Priority != 1<<40 {
		t.Errorf("priority = %d, want %d", got.Priority, int64(1<<40))
	}

	claimed := mustCall(t, reg, "task_claim", "")["task"].(*TaskView)
	if claimed.ID != big {
		t.Errorf("claimed %d, want the 1<<40 task %d", claimed.ID, big)
	}

	mustCall(t, reg, "task_update", fmt.Sprintf(`{"task_id":%d,"priority":4398046511104}`, low))
	claimed = mustCall(t, reg, "task_claim", "")["task"].(*TaskView)
	if claimed.ID != low {
		t.Errorf("claimed %d after raising priority, want %d", claimed.ID, low)
	}
}

func TestTaskTools_CreateAndGet(t *testing.T) {
	reg, _ := newTaskRegistry(t)

	res := mustCall(t, reg, "task_create", `{"title":"Write docs","priority":5,"metadata":{"tags":["a","b"],"n":1.5},"project_id":"p1"}`)
	id := res["id"].(int64)
	if !strings.Contains(res["message"].(string), fmt.Sprint(id)) {
		t.Errorf("unexpected message %v", res["message"])
	}

	got := mustCall(t, reg, "task_get", fmt.Sprintf(`{"task_id":%d}`, id))
	view := got["task"].(*TaskView)
	if view.Title != "Write docs" || view.Priority != 5 || view.Status != "pending" {
		t.Errorf("unexpected task %+v", view)
	}
	if view.ProjectID == nil || *view.ProjectID != "p1" {
		t.Errorf("unexpected project %v", view.ProjectID)
	}
	if view.Description != nil {
		t.Errorf("missing description should be null, got %q", *view.Description)
	}
	if view.CreatedAt != view.UpdatedAt {
		t.Errorf("new task timestamps differ: %s vs %s", view.CreatedAt, view.UpdatedAt)
	}

	data, err := json.Marshal(view.Metadata)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	if string(data) != `{"n":1.5,"tags":["a","b"]}` {
		t.Errorf("metadata did not round trip: %s", data)
	}

	// "id" is accepted as an alias of task_id.
	alias := mustCall(t, reg, "task_get", fmt.Sprintf(`{"id":%d}`, id))
	if alias["task"].(*TaskView).ID != id {
		t.Error("id alias should address the same task")
	}
}

func TestTaskTools_CreateValidation(t *testing.T) {
	reg, _ := newTaskRegistry(t)

	tests := []struct {
		name string
		args string
	}{
		{"missing title", `{}`},
		{"empty title", `{"title":"   "}`},
		{"title wrong type", `{"title":7}`},
		{"fractional priority", `{"title":"x","priority":1.5}`},
		{"metadata not object", `{"title":"x","metadata":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, isErr := call(t, reg, "task_create", tt.args)
			if !isErr || res["code"] != "INVALID_INPUT" {
				t.Errorf("expected INVALID_INPUT, got %v", res)
			}
		})
	}
}

func TestTaskTools_NotFound(t *testing.T) {
	reg, _ := newTaskRegistry(t)

	tests := []struct {
		tool string
		args string
		msg  string
	}{
		{"task_get", `{"task_id":9999999}`, "Task 9999999 not found"},
		{"task_update", `{"task_id":9999999,"title":"x"}`, "Task 9999999 not found"},
		{"task_delete", `{"task_id":9999999}`, "Task 9999999 not found"},
		{"task_attach_document", `{"task_id":9999999,"document_id":"d"}`, "Task 9999999 not found"},
		{"task_get_attachment", `{"attachment_id":9999999}`, "Attachment 9999999 not found"},
		{"task_remove_attachment", `{"attachment_id":9999999}`, "Attachment 9999999 not found"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res, isErr := call(t, reg, tt.tool, tt.args)
			if !isErr {
				t.Fatalf("expected error result, got %v", res)
			}
			if res["error"] != tt.msg || res["code"] != "NOT_FOUND" {
				t.Errorf("unexpected result %v", res)
			}
		})
	}
}

func TestTaskTools_List(t *testing.T) {
	reg, _ := newTaskRegistry(t)

	low := createTask(t, reg, `{"title":"low","priority":1,"project_id":"a"}`)
	high := createTask(t, reg, `{"title":"high","priority":10,"project_id":"a"}`)
	mid := createTask(t, reg, `{"title":"mid","priority":5,"project_id":"b"}`)

	ids := func(res Result) []int64 {
		var out []int64
		for _, v := range res["tasks"].([]*TaskView) {
			out = append(out, v.ID)
		}
		return out
	}

	res := mustCall(t, reg, "task_list", "")
	if got := ids(res); fmt.Sprint(got) != fmt.Sprint([]int64{high, mid, low}) {
		t.Errorf("priority order = %v", got)
	}
	if res["count"] != 3 {
		t.Errorf("count = %v", res["count"])
	}

	res = mustCall(t, reg, "task_list", `{"order_by_priority":false}`)
	if got := ids(res); fmt.Sprint(got) != fmt.Sprint([]int64{mid, high, low}) {
		t.Errorf("newest first order = %v", got)
	}

	res = mustCall(t, reg, "task_list", `{"project_id":"a","limit":1}`)
	if got := ids(res); fmt.Sprint(got) != fmt.Sprint([]int64{high}) {
		t.Errorf("filtered list = %v", got)
	}

	res, isErr := call(t, reg, "task_list", `{"status":"blocked"}`)
	if !isErr || res["code"] != "INVALID_INPUT" {
		t.Errorf("unknown status should be rejected, got %v", res)
	}
}

func TestTaskTools_Update(t *testing.T) {
	reg, _ := newTaskRegistry(t)
	id := createTask(t, reg, `{"title":"draft","priority":3,"description":"d"}`)

	res := mustCall(t, reg, "task_update", fmt.Sprintf(`{"task_id":%d,"status":"done","priority":0}`, id))
	if res["success"] != true {
		t.Fatalf("unexpected result %v", res)
	}
	view := res["task"].(*TaskView)
	if view.Status != "done" || view.Priority != 0 || view.Title != "draft" {
		t.Errorf("unexpected task after update %+v", view)
	}
	if view.UpdatedAt <= view.CreatedAt {
		t.Errorf("updated_at should advance: %s <= %s", view.UpdatedAt, view.CreatedAt)
	}

	// Null fields are ignored, so this is an empty update.
	res, isErr := call(t, reg, "task_update", fmt.Sprintf(`{"task_id":%d,"title":null}`, id))
	if !isErr || res["error"] != "No fields provided to update" {
		t.Errorf("expected empty update error, got %v", res)
	}

	res, isErr = call(t, reg, "task_update", fmt.Sprintf(`{"task_id":%d,"status":"blocked"}`, id))
	if !isErr || res["code"] != "INVALID_INPUT" {
		t.Errorf("expected INVALID_INPUT, got %v", res)
	}
}

func TestTaskTools_Delete(t *testing.T) {
	reg, _ := newTaskRegistry(t)
	id := createTask(t, reg, `{"title":"doomed"}`)
	mustCall(t, reg, "task_attach_document", fmt.Sprintf(`{"task_id":%d,"document_id":"doc-1"}`, id))

	res := mustCall(t, reg, "task_delete", fmt.Sprintf(`{"task_id":%d}`, id))
	if res["success"] != true {
		t.Fatalf("unexpected result %v", res)
	}
	if _, isErr := call(t, reg, "task_get", fmt.Sprintf(`{"task_id":%d}`, id)); !isErr {
		t.Error("deleted task should not be found")
	}
	list := mustCall(t, reg, "task_list_attachments", fmt.Sprintf(`{"task_id":%d}`, id))
	if list["count"] != 0 {
		t.Errorf("attachments should cascade, got %v", list)
	}
}

func TestTaskTools_Claim(t *testing.T) {
	reg, _ := newTaskRegistry(t)

	res := mustCall(t, reg, "task_claim", "")
	if res["task"] != nil || res["message"] != "No pending tasks available" {
		t.Fatalf("empty queue should return a null task, got %v", res)
	}
	data, _ := json.Marshal(res)
	if !strings.Contains(string(data), `"task":null`) {
		t.Errorf("task should serialize as null: %s", data)
	}

	createTask(t, reg, `{"title":"five","priority":5}`)
	ten := createTask(t, reg, `{"title":"ten","priority":10}`)
	createTask(t, reg, `{"title":"other","priority":50,"project_id":"x"}`)

	res = mustCall(t, reg, "task_pop_next", `{"project_id":""}`)
	if v := res["task"].(*TaskView); v.Title != "other" {
		t.Errorf("empty project_id should consider every project, got %s", v.Title)
	}
	res = mustCall(t, reg, "task_claim", "")
	v := res["task"].(*TaskView)
	if v.ID != ten || v.Status != "in_progress" {
		t.Errorf("expected task %d in_progress, got %+v", ten, v)
	}
}

func TestTaskTools_ConcurrentClaims(t *testing.T) {
	reg, _ := newTaskRegistry(t)
	for i := 0; i < 20; i++ {
		createTask(t, reg, fmt.Sprintf(`{"title":"t%d","priority":%d}`, i, i%3))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]int{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, isErr := reg.Execute(context.Background(), "task_claim", nil)
				if isErr {
					t.Errorf("claim failed: %v", res)
					return
				}
				if res["task"] == nil {
					return
				}
				mu.Lock()
				seen[res["task"].(*TaskView).ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Errorf("expected 20 distinct claims, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %d claimed %d times", id, n)
		}
	}
}

func TestTaskTools_Stats(t *testing.T) {
	reg, _ := newTaskRegistry(t)
	createTask(t, reg, `{"title":"a"}`)
	id := createTask(t, reg, `{"title":"b"}`)
	mustCall(t, reg, "task_update", fmt.Sprintf(`{"task_id":%d,"status":"cancelled"}`, id))
	mustCall(t, reg, "task_claim", "")

	res := mustCall(t, reg, "task_stats", "")
	want := Result{"total": 2, "pending": 0, "in_progress": 1, "done": 0, "cancelled": 1}
	for k, v := range want {
		if res[k] != v {
			t.Errorf("%s = %v, want %v", k, res[k], v)
		}
	}
}

func TestTaskTools_Attachments(t *testing.T) {
	reg, _ := newTaskRegistry(t)
	id := createTask(t, reg, `{"title":"with docs"}`)

	first := mustCall(t, reg, "task_attach_document",
		fmt.Sprintf(`{"task_id":%d,"document_id":"doc-1","filename":"design.pdf"}`, id))["attachment_id"].(int64)
	second := mustCall(t, reg, "task_attach_document",
		fmt.Sprintf(`{"task_id":%d,"document_id":"doc-2","description":"notes"}`, id))["attachment_id"].(int64)

	list := mustCall(t, reg, "task_list_attachments", fmt.Sprintf(`{"task_id":%d}`, id))
	views := list["attachments"].([]*AttachmentView)
	if len(views) != 2 || views[0].ID != second || views[1].ID != first {
		t.Fatalf("expected newest attachment first, got %+v", views)
	}
	if views[1].Filename == nil || *views[1].Filename != "design.pdf" || views[1].Description != nil {
		t.Errorf("unexpected attachment %+v", views[1])
	}

	got := mustCall(t, reg, "task_get_attachment", fmt.Sprintf(`{"attachment_id":%d}`, first))
	if got["attachment"].(*AttachmentView).DocumentID != "doc-1" {
		t.Errorf("unexpected attachment %v", got)
	}

	mustCall(t, reg, "task_remove_attachment", fmt.Sprintf(`{"attachment_id":%d}`, first))
	if _, isErr := call(t, reg, "task_get_attachment", fmt.Sprintf(`{"attachment_id":%d}`, first)); !isErr {
		t.Error("removed attachment should not be found")
	}

	res, isErr := call(t, reg, "task_attach_document", fmt.Sprintf(`{"task_id":%d,"document_id":""}`, id))
	if !isErr || res["code"] != "INVALID_INPUT" {
		t.Errorf("empty document_id should be rejected, got %v", res)
	}
}

func TestTaskTools_Search(t *testing.T) {
	idx, err := search.Open("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	store := search.NewIndexedStore(tasks.NewMemoryStore(), idx, logging.Nop())
	defer store.Close()

	reg := NewRegistry()
	RegisterTaskTools(reg, store)
	RegisterSearchTool(reg, store)

	createTask(t, reg, `{"title":"Rotate database credentials","project_id":"ops"}`)
	createTask(t, reg, `{"title":"Write release notes","description":"mention the database migration"}`)
	createTask(t, reg, `{"title":"Plan offsite"}`)

	res := mustCall(t, reg, "task_search", `{"query":"database"}`)
	if res["count"] != 2 {
		t.Fatalf("expected 2 hits, got %v", res)
	}
	if first := res["tasks"].([]*TaskView)[0]; first.Title != "Rotate database credentials" {
		t.Errorf("title match should rank first, got %s", first.Title)
	}

	res = mustCall(t, reg, "task_search", `{"query":"database","project_id":"ops"}`)
	if res["count"] != 1 {
		t.Errorf("project filter should narrow hits, got %v", res)
	}

	res, isErr := call(t, reg, "task_search", `{}`)
	if !isErr || res["code"] != "INVALID_INPUT" {
		t.Errorf("missing query should be rejected, got %v", res)
	}
}
