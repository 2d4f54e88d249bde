// Package storage persists recipients, their preferences and the delivery ledger.
//
// Both drivers share one database/sql implementation; the ledger's uniqueness is
// enforced by the schema's primary key, never by a check-then-insert.
package storage
