package walletcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// FileBackend stores the change sets in an append-only file.
	FileBackend = "file"

	// BoltBackend stores the change sets in a bbolt database.
	BoltBackend = "bolt"

	// DefaultStoreFilename is the name of the append-only log file.
	DefaultStoreFilename = "wallet.log"

	// DefaultBoltFilename is the name of the bbolt database file.
	DefaultBoltFilename = "wallet.db"
)

// Bolt holds the bbolt options of the store.
//
//nolint:lll
type Bolt struct {
	NoFreelistSync bool          `long:"nofreelistsync" description:"Whether the freelist should not be synced to disk."`
	AutoCompact    bool          `long:"auto-compact" description:"Whether the database file should be compacted on startup."`
	DBTimeout      time.Duration `long:"dbtimeout" description:"Specify the timeout value used when opening the database."`
}

// Store holds the options of the change set log.
//
//nolint:lll
type Store struct {
	Backend string `long:"backend" description:"The change set log backend." choice:"file" choice:"bolt"`
	Magic   string `long:"magic" description:"The marker identifying the log. Logs written with another marker are rejected."`

	Bolt *Bolt `group:"bolt" namespace:"bolt" description:"Bolt settings."`
}

// DefaultStore returns the default store options.
func DefaultStore() *Store {
	return &Store{
		Backend: FileBackend,
		Magic:   "walletsync_store",
		Bolt: &Bolt{
			NoFreelistSync: true,
			DBTimeout:      kvdb.DefaultDBTimeout,
		},
	}
}

// Validate checks the store options.
func (s *Store) Validate() error {
	switch s.Backend {
	case FileBackend, BoltBackend:

	default:
		return fmt.Errorf("unknown store backend %q, must be either "+
			"%q or %q", s.Backend, FileBackend, BoltBackend)
	}

	if s.Magic == "" {
		return fmt.Errorf("store.magic must not be empty")
	}

	return nil
}
