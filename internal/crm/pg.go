package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgCRM implements all CRM interfaces against PostgreSQL.
type PgCRM struct {
	pool *pgxpool.Pool
}

// NewPgCRM creates a PostgreSQL-backed CRM.
func NewPgCRM(pool *pgxpool.Pool) *PgCRM {
	return &PgCRM{pool: pool}
}

// New bundles a PgCRM into a CRM aggregate.
func New(pool *pgxpool.Pool) CRM {
	pg := NewPgCRM(pool)
	return CRM{
		Orders:      pg,
		EmailEvents: pg,
		Workflows:   pg,
		Activities:  pg,
	}
}

// HasPaidOrder reports whether the entity has at least one paid order.
func (c *PgCRM) HasPaidOrder(ctx context.Context, entityType, entityID string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE entity_type = $1 AND entity_id = $2 AND status = 'paid'
		)`,
		entityType, entityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query paid orders: %w", err)
	}
	return exists, nil
}

// HasOpenEvent reports whether any email sent to the entity since the given
// time was opened.
func (c *PgCRM) HasOpenEvent(ctx context.Context, entityType, entityID string, since time.Time) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_events e
			JOIN email_messages m ON m.message_id = e.message_id
			WHERE m.entity_type = $1 AND m.entity_id = $2
			  AND e.event_type = 'open' AND e.occurred_at >= $3
		)`,
		entityType, entityID, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query open events: %w", err)
	}
	return exists, nil
}

// RecordMessageID associates a provider message ID with an entity.
func (c *PgCRM) RecordMessageID(ctx context.Context, entityType, entityID, messageID string, sentAt time.Time) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO email_messages (message_id, entity_type, entity_id, sent_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO NOTHING`,
		messageID, entityType, entityID, sentAt,
	)
	if err != nil {
		return fmt.Errorf("insert email message: %w", err)
	}
	return nil
}

// GetProductsSharedAt returns when products were shared with the entity, or
// nil if they never were.
func (c *PgCRM) GetProductsSharedAt(ctx context.Context, entityType, entityID string) (*time.Time, error) {
	var sharedAt time.Time
	err := c.pool.QueryRow(ctx, `
		SELECT products_shared_at FROM entity_workflow_state
		WHERE entity_type = $1 AND entity_id = $2 AND products_shared_at IS NOT NULL`,
		entityType, entityID,
	).Scan(&sharedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow state: %w", err)
	}
	return &sharedAt, nil
}

// MarkProductsShared records that products were shared with the entity. The
// first writer wins; a second share attempt leaves the original timestamp.
func (c *PgCRM) MarkProductsShared(ctx context.Context, entityType, entityID string, at time.Time) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO entity_workflow_state (entity_type, entity_id, products_shared_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, entity_id)
		DO UPDATE SET products_shared_at = COALESCE(entity_workflow_state.products_shared_at, EXCLUDED.products_shared_at)`,
		entityType, entityID, at,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow state: %w", err)
	}
	return nil
}

// Insert appends an entry to an entity's timeline.
func (c *PgCRM) Insert(ctx context.Context, activity Activity) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO activities (id, entity_type, entity_id, kind, summary, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		activity.ID, activity.EntityType, activity.EntityID,
		activity.Kind, activity.Summary, activity.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}
