// Package store provides the controller's attachment journal using SQLite.
//
// # Architecture
//
// The Journal interface records one AttachmentEvent per terminal attachment
// outcome (attached, skipped, failed, exhausted, rejected, error). The
// controller exposes it through GET /api/attachments.
//
//   - SQLiteStore: modernc.org/sqlite implementation
//   - MockStore: in-memory implementation for tests
//
// # SQLite Configuration
//
// The controller always opens ":memory:", so the journal lives only as long
// as the controller process. An in-memory database is private to one connection,
// which is why the pool is capped at a single connection:
//
//	db.SetMaxOpenConns(1)
//
// NewSQLiteStore also accepts a file path, opened in WAL mode with its parent
// directories created.
//
// # Usage
//
//	journal, err := store.NewSQLiteStore(store.MemoryPath)
//	if err != nil {
//	    return err
//	}
//	defer journal.Close()
//
//	err = journal.RecordAttachment(ctx, &store.AttachmentEvent{
//	    PID:     4242,
//	    Outcome: "attached",
//	})
//
//	recent, err := journal.ListAttachments(ctx, store.AttachmentFilter{Limit: 20})
package store
