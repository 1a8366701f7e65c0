// Package tasks is the persistent work queue at the heart of taskkit.
//
// A Store holds tasks and their document attachments. Independent callers
// create tasks, claim the most urgent pending one, move tasks between
// statuses and attach documents. Three implementations share one contract:
//
//   - SQLiteStore: the default, a single database file (mattn/go-sqlite3)
//   - PostgresStore: pgx connection pool for shared deployments
//   - MemoryStore: in-process, for tests and throwaway servers
//
// # Claiming
//
// Claim picks the pending task with the highest priority, oldest first among
// equals, and moves it to in_progress in one atomic step:
//
//	task, err := store.Claim(ctx, "alpha")
//	if err != nil {
//	    return err
//	}
//	if task == nil {
//	    // queue empty
//	}
//
// Two concurrent Claim calls never return the same task.
//
// # Absence
//
// Get, GetAttachment and Claim return nil with a nil error when nothing
// matches. Update, Delete and RemoveAttachment report false. Attach is the
// exception: attaching to a missing task fails with NOT_FOUND.
//
// # Updates
//
// Patch has one pointer per field. A nil pointer leaves the field alone and
// a non-nil pointer sets it, so priority 0 and an empty description are
// ordinary values:
//
//	store.Update(ctx, id, tasks.Patch{Priority: tasks.Ptr[int64](0)})
package tasks
