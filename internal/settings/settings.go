// Package settings exposes the tenant-wide automation kill switch. The
// trigger gateway and executor both consult it before doing any work.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Settings reports operational toggles for the automation engine.
type Settings interface {
	// AutomationsEnabled reports whether automations may run at all. A
	// missing settings row means enabled.
	AutomationsEnabled(ctx context.Context) (bool, error)
}

// PgSettings reads settings from PostgreSQL.
type PgSettings struct {
	pool *pgxpool.Pool
}

// NewPgSettings creates a PostgreSQL-backed Settings.
func NewPgSettings(pool *pgxpool.Pool) *PgSettings {
	return &PgSettings{pool: pool}
}

// AutomationsEnabled reads the automations_enabled flag.
func (s *PgSettings) AutomationsEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx, `
		SELECT automations_enabled FROM automation_settings LIMIT 1`,
	).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query automation settings: %w", err)
	}
	return enabled, nil
}

// MemSettings is an in-memory Settings for tests and local development.
type MemSettings struct {
	mu      sync.RWMutex
	enabled bool
}

// NewMemSettings creates a MemSettings with automations enabled.
func NewMemSettings() *MemSettings {
	return &MemSettings{enabled: true}
}

// AutomationsEnabled reports the current flag.
func (s *MemSettings) AutomationsEnabled(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled, nil
}

// SetEnabled sets the flag.
func (s *MemSettings) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}
