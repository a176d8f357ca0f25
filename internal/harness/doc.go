// Package harness runs YAML conformance scenarios against the mutation kernel
// and the lineage service.
//
// # Scenario Format
//
//	name: version_guard
//	description: "A stale expected version is rejected"
//	tenants:
//	  acme: { org: org-acme, user: alice }
//	steps:
//	  - as: acme
//	    commit:
//	      action: create
//	      entity_type: item
//	      entity_id: item-1
//	      payload: { name: widget }
//	    expect: { status: ok, version_after: 1 }
//	  - as: acme
//	    movement:
//	      movement_id: M2
//	      item_id: flour
//	      qty: "10"
//	      kind: transfer
//	      links:
//	        - { from: M1, lot_id: L1, qty: "10" }
//	  - trace: { lot: L1, direction: forward }
//	    expect: { total_affected: 1, movements: { M2: 1 } }
//	  - recall: { lot: L1, idempotency_key: recall-1 }
//	assertions:
//	  - { type: entity, as: acme, entity_type: item, entity_id: item-1, version: 1 }
//	  - { type: audit_count, as: acme, entity_type: item, count: 1 }
//	  - { type: outbox_pending, as: acme, count: 1 }
//
// Steps without "as" run for the "default" tenant. Each step runs exactly one
// of commit, movement, trace or recall; its optional expect block is matched
// against the outcome.
//
// # Deterministic Runs
//
// Every run uses a fresh in-memory SQLite database, sequential ids and a
// step clock, so the snapshot produced by Result.Snapshot is stable and can
// be compared against a golden file with RunWithGolden.
package harness
