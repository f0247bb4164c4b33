// Package database opens the SQL backends used for durable session storage
// and the security event archive.
//
//   - PostgreSQL through a pgx connection pool, for shared deployments
//   - SQLite (pure Go driver) for a single-user install
package database
