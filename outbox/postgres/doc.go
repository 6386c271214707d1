// Package postgres stores the outbox log and consumer cursors in PostgreSQL.
//
// Client owns the primary/replica connection pair and applies the embedded
// schema migrations. Repository implements outbox.Repository on top of it.
package postgres
