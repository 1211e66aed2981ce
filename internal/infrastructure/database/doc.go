// Package database provides the node's local SQLite store.
//
// This package manages:
//   - Database connection with WAL mode
//   - Versioned schema migrations from an fs.FS (see package migrations)
//   - Connection setup with restricted file permissions
//
// The store holds the plugin package manifest (package configsync); device
// state is never persisted.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
