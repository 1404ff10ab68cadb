package journal

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/livedetect/pkg/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE sighting(
			id INTEGER PRIMARY KEY,
			class_id INT NOT NULL,
			label TEXT NOT NULL,
			text TEXT NOT NULL,
			first_seen INT NOT NULL,
			last_seen INT NOT NULL,
			retracted_at INT
		);
		CREATE INDEX idx_sighting_first_seen ON sighting(first_seen);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE failure(
			id INTEGER PRIMARY KEY,
			created_at INT NOT NULL,
			message TEXT NOT NULL
		);
	`))

	return migs
}
