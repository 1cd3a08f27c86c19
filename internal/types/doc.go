/*
Package types defines the core data structures projected from chain events
into the relational store.

This package is the foundation of the indexer's data model. It defines:

  - Chain identity (chain-id, name)
  - Sync cursor (last confirmed block height + hash per chain)
  - Campaign lifecycle (goal, deadline, status lattice, raised/withdrawn amounts)
  - Contribution ledger (per campaign/donor lifetime contributed/refunded)
  - The canonical blockchain event log row (idempotency key, decoded payload)

All types are designed to be:
  - Serializable (JSON for broker messages, pgx row scanning for storage)
  - Self-documenting (clear field names, status enums as typed constants)
  - Free of business logic — mutation rules live in internal/stateupdater

# Status lattice

When events are applied, Campaign.Status only transitions along:

	ACTIVE -> SUCCESS -> WITHDRAWN
	ACTIVE -> FAILED

Event application never downgrades a campaign; internal/stateupdater
enforces this. A rollback is the exception: internal/rollback re-derives
status from the surviving events, which can move it backward (for
example SUCCESS -> ACTIVE, or WITHDRAWN -> SUCCESS).
*/
package types
