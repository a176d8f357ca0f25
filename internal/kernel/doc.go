// Package kernel is the mutation commit path.
//
// Commit takes an Intent and a tenant.Context and runs one transaction that
// checks and locks the idempotency key, applies the version guard and the
// lifecycle locks, writes the entity, appends the audit entry and the outbox
// event, and stores the receipt under the key. The caller always gets a
// receipt back: Ok, Rejected (client fault) or Error (server fault).
//
// Retries are the caller's job. The kernel reports retryability and a
// RetryAfter hint but never re-executes on its own, except for the single
// re-run after waiting out another attempt that held the same key and then
// rolled back.
//
// Relay drains the outbox table to a Publisher.
package kernel
