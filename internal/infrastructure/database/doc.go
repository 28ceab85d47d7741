// Package database opens the SQLite file behind the line journal and keeps
// its schema current.
//
// Open applies the connection settings the journal relies on: WAL so API
// reads do not wait on the recorder, a busy timeout, and a single pooled
// connection. Migrate applies the SQL files registered in MigrationsFS, which
// the migrations package embeds:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_name.up.sql, with an optional
// .down.sql for MigrateDown. Each one commits in its own transaction.
//
// Receiver status is never persisted here.
package database
