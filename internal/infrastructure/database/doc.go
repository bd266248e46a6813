// Package database provides the SQLite connection behind the entity store.
//
// Gateways, devices, device properties, twin instances and twin properties
// are owned by the external entity-management layer; this core opens the
// same SQLite file, reads those records and writes back property values and
// liveness flags.
//
// # Migrations
//
// Schema migrations are plain SQL files embedded by the migrations package
// and passed to Migrate as an fs.FS:
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/middts.db", WALMode: true})
//	if err != nil {
//	    return err
//	}
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
