/*
Package config loads server configuration and builds the logger.

SOURCES (later wins):
  1. Defaults
  2. .env in the working directory (optional)
  3. Environment variables
  4. Command-line flags

VARIABLES:
  PORT             HTTP port (default 8080)                    -port
  STORE            memory | sqlite | postgres (default sqlite) -store
  SQLITE_PATH      SQLite database path (default loans.db)     -db
  DATABASE_URL     Postgres connection string                  -database-url
  REDIS_ADDR       Redis address for the loan lock (optional)  -redis
  LOG_LEVEL        logrus level (default info)                 -log-level
  LOG_FORMAT       json | text (default json)                  -log-format
  ALLOWED_ORIGINS  comma-separated CORS origins                -origins
  AUDIT_INTERVAL   integrity audit interval, 0 disables        -audit-interval
  ROLES_FILE       JSON role table; empty allows everything    -roles

SEE ALSO:
  - cmd/server/main.go
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Port           int
	Store          string
	SQLitePath     string
	DatabaseURL    string
	RedisAddr      string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
	AuditInterval  time.Duration
	RolesFile      string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:           8080,
		Store:          StoreSQLite,
		SQLitePath:     "loans.db",
		LogLevel:       "info",
		LogFormat:      "json",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		AuditInterval:  time.Hour,
	}
}

// Load reads .env, the environment and then args (without the program name).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return Parse(args, os.LookupEnv)
}

// Parse builds a Config from env lookups and flags, without touching .env.
func Parse(args []string, lookup func(string) (string, bool)) (*Config, error) {
	c := Default()

	if v, ok := lookup("PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = p
	}
	envString(lookup, "STORE", &c.Store)
	envString(lookup, "SQLITE_PATH", &c.SQLitePath)
	envString(lookup, "DATABASE_URL", &c.DatabaseURL)
	envString(lookup, "REDIS_ADDR", &c.RedisAddr)
	envString(lookup, "LOG_LEVEL", &c.LogLevel)
	envString(lookup, "LOG_FORMAT", &c.LogFormat)
	envString(lookup, "ROLES_FILE", &c.RolesFile)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("AUDIT_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AUDIT_INTERVAL %q: %w", v, err)
		}
		c.AuditInterval = d
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	origins := strings.Join(c.AllowedOrigins, ",")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	fs.StringVar(&c.Store, "store", c.Store, "store backend: memory, sqlite or postgres")
	fs.StringVar(&c.SQLitePath, "db", c.SQLitePath, "SQLite database path")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for the loan lock")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json or text")
	fs.StringVar(&origins, "origins", origins, "comma-separated CORS origins")
	fs.DurationVar(&c.AuditInterval, "audit-interval", c.AuditInterval, "integrity audit interval, 0 disables")
	fs.StringVar(&c.RolesFile, "roles", c.RolesFile, "JSON role table")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c.AllowedOrigins = splitList(origins)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, sqlite or postgres)", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.AuditInterval < 0 {
		return fmt.Errorf("invalid audit interval %s", c.AuditInterval)
	}
	return nil
}

// NewLogger builds the process logger.
func NewLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetOutput(out)
	switch format {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

func envString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
