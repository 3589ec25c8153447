package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// defaultServiceAccounts lists every backend that authenticates with
// username/password through the auth callout. The election leader seeds these
// rows so a fresh deployment can boot without manual SQL.
var defaultServiceAccounts = []string{
	"gateway-service",
	"presence-service",
	"room-service",
	"fanout-service",
	"reaction-service",
	"history-service",
	"persist-worker",
}

// ensureAccountsTable creates the credential table on a fresh database. Every
// instance runs this before loading the cache; IF NOT EXISTS keeps replicas
// from tripping over each other.
func ensureAccountsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS service_accounts (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL
		)`)
	return err
}

// seedServiceAccounts inserts missing credential rows. Existing rows are left
// untouched, so rotated passwords survive reseeding.
func seedServiceAccounts(ctx context.Context, db *sql.DB) error {
	for _, name := range defaultServiceAccounts {
		envKey := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_PASSWORD"
		password := envOrDefault(envKey, name+"-secret")
		if _, err := db.ExecContext(ctx, `
			INSERT INTO service_accounts (username, password)
			VALUES ($1, $2)
			ON CONFLICT (username) DO NOTHING`, name, password); err != nil {
			return fmt.Errorf("seed account %s: %w", name, err)
		}
	}
	slog.Info("Service accounts seeded", "count", len(defaultServiceAccounts))
	return nil
}

// ServiceAccountCache loads service accounts from PostgreSQL into memory and
// refreshes periodically to pick up new accounts without restart.
type ServiceAccountCache struct {
	db       *sql.DB
	interval time.Duration
	mu       sync.RWMutex
	accounts map[string]string // username -> password
	stopCh   chan struct{}
}

// NewServiceAccountCache creates a cache, loads initial data, and starts the
// background refresh.
func NewServiceAccountCache(db *sql.DB, interval time.Duration) (*ServiceAccountCache, error) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c := &ServiceAccountCache{
		db:       db,
		interval: interval,
		accounts: make(map[string]string),
		stopCh:   make(chan struct{}),
	}
	if err := c.refresh(context.Background()); err != nil {
		return nil, err
	}
	go c.refreshLoop()
	return c, nil
}

func (c *ServiceAccountCache) refresh(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, "SELECT username, password FROM service_accounts")
	if err != nil {
		return err
	}
	defer rows.Close()

	accounts := make(map[string]string)
	for rows.Next() {
		var username, password string
		if err := rows.Scan(&username, &password); err != nil {
			return err
		}
		accounts[username] = password
	}

	c.mu.Lock()
	c.accounts = accounts
	c.mu.Unlock()

	slog.Info("Service accounts cache refreshed", "count", len(accounts))
	return nil
}

func (c *ServiceAccountCache) refreshLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.refresh(context.Background()); err != nil {
				slog.Error("Failed to refresh service accounts", "error", err)
			}
		case <-c.stopCh:
			return
		}
	}
}

// Authenticate checks username/password against the cached accounts.
func (c *ServiceAccountCache) Authenticate(username, password string) bool {
	c.mu.RLock()
	cached, ok := c.accounts[username]
	c.mu.RUnlock()
	return ok && cached == password
}

// Close stops the background refresh goroutine.
func (c *ServiceAccountCache) Close() {
	close(c.stopCh)
}
