// Package postgres provides the PostgreSQL implementation of task.Store,
// the embedded schema migrations and the mapping from driver errors onto
// the generic errors of the store package.
package postgres
