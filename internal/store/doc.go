// Package store is the tenant-scoped relational store.
//
// Two dialects are supported: SQLite through mattn/go-sqlite3 (the default,
// single-writer) and Postgres through pgx's database/sql driver. Both embed an
// idempotent schema in which every data table is tenant-isolated:
//
//   - writes are guarded per row (SQLite triggers, Postgres row level security)
//     against the tenant bound to the transaction by Store.WithTenant;
//   - reads go through scoped_<table> views that only return that tenant's rows;
//   - audit_log rejects UPDATE and DELETE at the storage layer.
//
// Queries are written once with '?' placeholders. Timestamps are stored as
// unix milliseconds, JSON payloads as canonical text so that stored receipts
// replay byte-for-byte on both dialects. Driver errors are mapped onto the
// errcode registry by Classify.
package store
