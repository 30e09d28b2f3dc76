// Package store defines interfaces for persistence dependencies (notice
// records and the failed-notice retry queue). Implementations live in other
// packages; this package must not import database drivers or concrete clients.
package store
