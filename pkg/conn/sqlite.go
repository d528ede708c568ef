package conn

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const defaultSQLiteBusyTimeout = 5 * time.Second

// SQLiteOption defines connection options for a SQLite database file.
type SQLiteOption struct {
	Path        string
	BusyTimeout time.Duration
	// DisableWAL keeps the rollback journal instead of WAL mode. WAL mode lets
	// readers proceed while a writer is active.
	DisableWAL bool
	Config     *gorm.Config
}

// NewSQLite opens or creates a SQLite database file.
//
// Transactions begin IMMEDIATE so concurrent writers queue on the busy
// timeout instead of failing on lock upgrade.
func NewSQLite(option SQLiteOption) (*Client, error) {
	if dir := filepath.Dir(option.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(option.dsn()), gormConfig(option.Config))
	if err != nil {
		return nil, err
	}

	return &Client{dialect: DialectSQLite, location: option.Path, db: db}, nil
}

func (opt SQLiteOption) dsn() string {
	timeout := opt.BusyTimeout
	if timeout <= 0 {
		timeout = defaultSQLiteBusyTimeout
	}

	query := url.Values{}
	query.Set("_busy_timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	query.Set("_txlock", "immediate")
	if !opt.DisableWAL {
		query.Set("_journal_mode", "WAL")
		query.Set("_synchronous", "NORMAL")
	}
	return opt.Path + "?" + query.Encode()
}
