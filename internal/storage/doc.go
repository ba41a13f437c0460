// Package storage keeps the delivery audit trail: one record per post outcome
// per recipient.
//
// Drivers:
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database (pure Go driver)
//
// The audit trail is write-mostly and never consulted when deciding what to
// deliver.
package storage
