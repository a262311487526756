// Package sqlite provides an embedded MetadataStore on modernc.org/sqlite,
// a pure Go SQLite build, for single-node deployments.
//
// The schema is managed through numbered migrations in migrations/ and
// applied versions are recorded in schema_migrations. The database runs in
// WAL mode with foreign keys on, so deleting a document cascades to its
// chunks and embedding rows.
package sqlite
