// Package database provides relational store options.
package database

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/studymate/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// PasswordEnv is read when no password is configured.
const PasswordEnv = "DATABASE_PASSWORD"

// Options defines configuration options for the relational store.
type Options struct {
	// Driver is one of postgres, mysql or sqlite.
	Driver string `json:"driver" mapstructure:"driver"`

	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"-" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"ssl-mode" mapstructure:"ssl-mode"`

	// Path is the sqlite file path, or a DSN such as "file::memory:?cache=shared".
	Path string `json:"path" mapstructure:"path"`

	MaxIdleConnections    int           `json:"max-idle-connections" mapstructure:"max-idle-connections"`
	MaxOpenConnections    int           `json:"max-open-connections" mapstructure:"max-open-connections"`
	MaxConnectionLifeTime time.Duration `json:"max-connection-life-time" mapstructure:"max-connection-life-time"`

	// LogLevel maps to gorm log levels: 1 silent, 2 error, 3 warn, 4 info.
	LogLevel int `json:"log-level" mapstructure:"log-level"`

	// AutoMigrate creates or updates tables at startup.
	AutoMigrate bool `json:"auto-migrate" mapstructure:"auto-migrate"`
}

// NewOptions creates a new Options object with default values.
func NewOptions() *Options {
	return &Options{
		Driver:                DriverSQLite,
		Host:                  "127.0.0.1",
		Port:                  5432,
		Username:              "postgres",
		Database:              "studymate",
		SSLMode:               "disable",
		Path:                  "studymate.db",
		MaxIdleConnections:    10,
		MaxOpenConnections:    100,
		MaxConnectionLifeTime: 10 * time.Minute,
		LogLevel:              1,
		AutoMigrate:           true,
	}
}

// AddFlags adds flags for database options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "database."
	fs.StringVar(&o.Driver, p+"driver", o.Driver, "Database driver (postgres|mysql|sqlite).")
	fs.StringVar(&o.Host, p+"host", o.Host, "Database host.")
	fs.IntVar(&o.Port, p+"port", o.Port, "Database port.")
	fs.StringVar(&o.Username, p+"username", o.Username, "Database username.")
	fs.StringVar(&o.Password, p+"password", o.Password, "Database password (prefer the "+PasswordEnv+" env var).")
	fs.StringVar(&o.Database, p+"database", o.Database, "Database name.")
	fs.StringVar(&o.SSLMode, p+"ssl-mode", o.SSLMode, "PostgreSQL SSL mode.")
	fs.StringVar(&o.Path, p+"path", o.Path, "SQLite database file or DSN.")
	fs.IntVar(&o.MaxIdleConnections, p+"max-idle-connections", o.MaxIdleConnections, "Max idle connections.")
	fs.IntVar(&o.MaxOpenConnections, p+"max-open-connections", o.MaxOpenConnections, "Max open connections.")
	fs.DurationVar(&o.MaxConnectionLifeTime, p+"max-connection-life-time", o.MaxConnectionLifeTime, "Max connection life time.")
	fs.IntVar(&o.LogLevel, p+"log-level", o.LogLevel, "Gorm log level (1 silent, 2 error, 3 warn, 4 info).")
	fs.BoolVar(&o.AutoMigrate, p+"auto-migrate", o.AutoMigrate, "Run schema migration at startup.")
}

// Validate checks if the options are valid.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	switch o.Driver {
	case DriverPostgres, DriverMySQL:
		if o.Host == "" {
			errs = append(errs, fmt.Errorf("database.host is required for %s", o.Driver))
		}
		if o.Database == "" {
			errs = append(errs, fmt.Errorf("database.database is required for %s", o.Driver))
		}
	case DriverSQLite:
		if o.Path == "" {
			errs = append(errs, fmt.Errorf("database.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", o.Driver))
	}
	if o.LogLevel < 1 || o.LogLevel > 4 {
		errs = append(errs, fmt.Errorf("database.log-level must be in [1, 4]"))
	}
	return errs
}

// Complete fills the password from the environment and the default port of
// the selected driver.
func (o *Options) Complete() error {
	if o.Password == "" {
		o.Password = os.Getenv(PasswordEnv)
	}
	if o.Driver == DriverMySQL && o.Port == 5432 {
		o.Port = 3306
	}
	return nil
}

// DSN builds the driver specific data source name.
func (o *Options) DSN() string {
	switch o.Driver {
	case DriverPostgres:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			o.Host, o.Port, o.Username, o.Password, o.Database, o.SSLMode)
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			o.Username, o.Password, o.Host, o.Port, o.Database)
	default:
		return o.Path
	}
}
