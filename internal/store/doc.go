// Package store persists claw-relay records: gateway identities, chat
// sessions and their message turns, federated session definitions, and
// monitored device records.
//
// The Store interface only assumes keyed lookup, append, and ordered range
// reads; SQLiteStore is the shipped implementation (modernc.org/sqlite, WAL,
// schema auto-created on open).
package store
