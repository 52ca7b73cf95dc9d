// Package store holds the database plumbing shared by the SQL-backed
// stores: the DBTX abstraction, transaction handling and the generic
// persistence errors the platform layer maps driver errors onto.
package store
