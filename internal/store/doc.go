// Package store declares the interfaces for persisting export run history.
// The in-memory job registry stays authoritative for live jobs; this history
// survives restarts when a database is configured.
package store
