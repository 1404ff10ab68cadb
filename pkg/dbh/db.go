package dbh

import (
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/logs"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// DBConnectFlags are flags passed to OpenDB.
type DBConnectFlags int

const DriverSqlite = "sqlite3"

const (
	// DBConnectFlagWipeDB deletes the database file before opening it (useful for unit tests).
	DBConnectFlagWipeDB DBConnectFlags = 1 << iota
)

// MakeMigrations turns a sequence of SQL expression into burntsushi migrations.
func MakeMigrations(log logs.Log, sql []string) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0
	for _, str := range sql {
		migs = append(migs, MakeMigrationFromSQL(log, &idx, str))
	}
	return migs
}

// MakeMigrationFromSQL turns an SQL string into a burntsushi migration
func MakeMigrationFromSQL(log logs.Log, migrationNumber *int, sql string) migration.Migrator {
	idx := *migrationNumber + 1
	*migrationNumber++

	return func(tx migration.LimitedTx) error {
		log.Infof("Running migration %v: '%v...'", idx, migrationSummary(sql))
		_, err := tx.Exec(sql)
		return err
	}
}

// First line of the SQL, truncated to 40 characters
func migrationSummary(sql string) string {
	summary := strings.TrimSpace(sql)
	l := len(summary)
	if l > 40 {
		l = 40
	}
	if nl := strings.IndexAny(summary, "\n\r"); nl != -1 && nl < l {
		l = nl
	}
	return summary[:l]
}

// OpenDB opens an sqlite database, creating it if necessary, and runs all the migrations before returning.
func OpenDB(log logs.Log, filename string, migrations []migration.Migrator, flags DBConnectFlags) (*gorm.DB, error) {
	if flags&DBConnectFlagWipeDB != 0 {
		if err := os.Remove(filename); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Warnf("Erased database '%v'", filename)
	}

	db, err := migration.Open(DriverSqlite, filename, migrations)
	if err != nil {
		return nil, fmt.Errorf("Failed to migrate database '%v': %w", filename, err)
	}
	db.Close()

	gormDB, err := gormOpen(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database '%v': %w", filename, err)
	}
	return gormDB, nil
}

// CloseDB closes the connection pool underneath a gorm DB
func CloseDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormOpen(filename string) (*gorm.DB, error) {
	newLogger := logger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags), // io writer
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true, // Record not found is just never a loggable thing.
			Colorful:                  true,
		},
	)

	config := &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			// Disable pluralization of tables, so that our migrations and our structs agree.
			SingularTable: true,
		},
		Logger: newLogger,
	}
	return gorm.Open(sqlite.Open(filename), config)
}
