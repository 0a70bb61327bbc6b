package pgutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
)

// Config carries the connection settings. Zero values fall back to the
// usual libpq environment variables.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns int
	MaxIdleConns int
}

// FromEnv builds a Config from DATABASE_URL or the PG* variables.
func FromEnv() Config {
	cfg := Config{
		Host:     os.Getenv("PGHOST"),
		Port:     os.Getenv("PGPORT"),
		User:     os.Getenv("PGUSER"),
		Password: os.Getenv("PGPASSWORD"),
		Database: os.Getenv("PGDATABASE"),
		SSLMode:  os.Getenv("PGSSLMODE"),
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.SSLMode == "" {
		// Local sockets do not need TLS; anything remote should ask for it.
		if cfg.Host == "localhost" || cfg.Host == "127.0.0.1" {
			cfg.SSLMode = "disable"
		} else {
			cfg.SSLMode = "require"
		}
	}
	return cfg
}

// DSN renders the config as a postgres:// URL.
func (c Config) DSN() string {
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		return raw
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Open connects to the database and verifies the connection.
//
// Migrations run long statements over few connections; the pool is kept
// small and idle connections are not recycled mid-run. MaxIdleConns matches
// MaxOpenConns so parallel_execute does not churn through reconnects.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Database == "" && os.Getenv("DATABASE_URL") == "" {
		return nil, fmt.Errorf("no database selected: set PGDATABASE or DATABASE_URL")
	}

	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
