// Package storage is the persistence collaborator: groups, dimension
// entities and lesson facts in a SQLite database.
//
// Natural-key uniqueness is enforced with unique indexes so concurrent
// get-or-create races resolve at the database, not in callers.
package storage
