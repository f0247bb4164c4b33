// Package writer implements the batched security event archive writer.
//
// Session security events are pushed into a growable buffer as they are
// appended and drained in batches into the configured EventArchive
// (SQLite or PostgreSQL). Inserts are idempotent by event ID, so a batch
// retried after a failed flush never duplicates rows.
package writer
