package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var ErrPrimaryDSNRequired = errors.New("postgres primary DSN is required")

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Client holds a primary/replica pair behind one resolver. Writes and
// transactions go to the primary.
type Client struct {
	PrimaryDSN         string `json:"-"`
	ReplicaDSN         string `json:"-"`
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int

	mu       sync.RWMutex
	resolver dbresolver.DB
}

// Connect opens both pools and pings them. An empty ReplicaDSN reuses the
// primary.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.PrimaryDSN == "" {
		return ErrPrimaryDSNRequired
	}

	logger := c.logger()

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close previous postgres connection", log.Err(err))
		}

		c.resolver = nil
	}

	logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := c.open(c.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	replica := primary

	if c.ReplicaDSN != "" && c.ReplicaDSN != c.PrimaryDSN {
		replica, err = c.open(c.ReplicaDSN)
		if err != nil {
			_ = primary.Close()

			return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
		}
	}

	resolver, err := createResolverFn(primary, replica)
	if err == nil {
		err = resolver.PingContext(ctx)
	}

	if err != nil {
		_ = primary.Close()

		if replica != primary {
			_ = replica.Close()
		}

		logger.Log(ctx, log.LevelError, "failed to connect to postgres", log.String("error_detail", sanitizeSensitiveError(err)))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	c.resolver = resolver

	logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(orDefault(c.MaxOpenConnections, defaultMaxOpenConns))
	db.SetMaxIdleConns(orDefault(c.MaxIdleConnections, defaultMaxIdleConns))
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

func orDefault(value, fallback int) int {
	if value > 0 {
		return value
	}

	return fallback
}

// Resolver returns the connected resolver, connecting on first use.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	if resolver != nil {
		return resolver, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// HealthCheck pings the databases; false when not connected.
func (c *Client) HealthCheck(ctx context.Context) bool {
	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	return resolver != nil && resolver.PingContext(ctx) == nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Close releases both pools. Closing an unconnected client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil

	return err
}

func (c *Client) logger() log.Logger {
	if nilcheck.Interface(c.Logger) {
		return log.NewNop()
	}

	return c.Logger
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}
