package conn

import (
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialect names the storage backend behind a Client.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Client wraps a gorm connection pool.
type Client struct {
	dialect  Dialect
	location string
	db       *gorm.DB
}

// Open picks the backend from a storage location. postgres:// and
// postgresql:// URLs connect to PostgreSQL, anything else is a SQLite file path.
func Open(location string, config *gorm.Config) (*Client, error) {
	lower := strings.ToLower(location)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return NewPostgres(Option{ConnString: location, Config: config})
	}
	return NewSQLite(SQLiteOption{Path: location, Config: config})
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Dialect returns the backend of the client.
func (c *Client) Dialect() Dialect {
	if c == nil {
		return ""
	}
	return c.dialect
}

// Location returns the storage location with credentials redacted.
func (c *Client) Location() string {
	if c == nil {
		return ""
	}
	return c.location
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormConfig(config *gorm.Config) *gorm.Config {
	if config != nil {
		return config
	}
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
}
