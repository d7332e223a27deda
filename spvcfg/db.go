package spvcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DBFilename is the name of the finalized header database file.
	DBFilename = "headers.db"

	// BoltBackend is the only supported database backend.
	BoltBackend = "bolt"
)

// Bolt holds the bbolt specific database settings.
type Bolt struct {
	NoFreelistSync bool `long:"nofreelistsync" description:"Whether the databases used within the daemon should sync their freelist to disk."`

	AutoCompact bool `long:"auto-compact" description:"Whether the databases used within the daemon should automatically be compacted on every startup (and if the database has the configured minimum age). This is disabled by default because it requires additional disk space to be available during the compaction that is freed afterwards. In general compaction leads to smaller database files."`

	AutoCompactMinAge time.Duration `long:"auto-compact-min-age" description:"How long ago the last compaction of a database file must be for it to be considered for auto compaction again. Can be set to 0 to compact on every startup."`

	DBTimeout time.Duration `long:"dbtimeout" description:"Specify the timeout value used when opening the database."`
}

// DB holds the database configuration of the daemon.
type DB struct {
	Backend string `long:"backend" description:"The selected database backend."`

	Bolt *Bolt `group:"bolt" namespace:"bolt" description:"Bolt settings."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		Backend: BoltBackend,
		Bolt: &Bolt{
			NoFreelistSync:    true,
			AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
			DBTimeout:         kvdb.DefaultDBTimeout,
		},
	}
}

// Validate validates the DB config.
//
// NOTE: Part of the Validator interface.
func (db *DB) Validate() error {
	if db.Backend != BoltBackend {
		return fmt.Errorf("unknown backend %q, must be %q", db.Backend,
			BoltBackend)
	}

	if db.Bolt == nil {
		return fmt.Errorf("bolt settings missing")
	}

	if db.Bolt.DBTimeout < 0 || db.Bolt.AutoCompactMinAge < 0 {
		return fmt.Errorf("bolt durations must not be negative")
	}

	return nil
}

// GetBackend opens the finalized header database in the given directory.
func (db *DB) GetBackend(dbPath string) (kvdb.Backend, error) {
	return kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dbPath,
		DBFileName:        DBFilename,
		NoFreelistSync:    db.Bolt.NoFreelistSync,
		AutoCompact:       db.Bolt.AutoCompact,
		AutoCompactMinAge: db.Bolt.AutoCompactMinAge,
		DBTimeout:         db.Bolt.DBTimeout,
	})
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
