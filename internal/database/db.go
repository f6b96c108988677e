// Package database provides the PostgreSQL access layer: the shared
// connection pool, the CDC source-table repositories and the audit tables.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Config holds PostgreSQL connection and pool settings.
type Config struct {
	Host     string `json:"host" yaml:"host"`
	Port     string `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"-" yaml:"-"`
	Name     string `json:"name" yaml:"name"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`

	MinConns          int32         `json:"min_conns" yaml:"min_conns"`
	MaxConns          int32         `json:"max_conns" yaml:"max_conns"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time" yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `json:"health_check_period" yaml:"health_check_period"`
	ConnectTimeout    time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ApplicationName   string        `json:"application_name" yaml:"application_name"`
}

// DefaultConfig returns pool settings sized for the pipeline: a warm floor
// of connections for the pollers plus headroom for bursts.
func DefaultConfig() *Config {
	return &Config{
		Host:              "localhost",
		Port:              "5432",
		User:              "callstream",
		Name:              "callstream",
		SSLMode:           "disable",
		MinConns:          10,
		MaxConns:          50,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    5 * time.Second,
		ApplicationName:   "callstream-pipeline",
	}
}

// DSN builds the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// Validate checks the settings needed to reach the database.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.MinConns < 0 || c.MaxConns < 1 {
		return fmt.Errorf("invalid pool sizing: min=%d max=%d", c.MinConns, c.MaxConns)
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns %d exceeds max_conns %d", c.MinConns, c.MaxConns)
	}
	return nil
}

// Connect builds the pgx pool and verifies the database is reachable.
func Connect(ctx context.Context, cfg *Config, log *logrus.Logger) (*pgxpool.Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"database": cfg.Name,
		"min":      cfg.MinConns,
		"max":      cfg.MaxConns,
	}).Info("Connected to PostgreSQL")
	return pool, nil
}

// HealthCheck pings the pool with a short deadline.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}
