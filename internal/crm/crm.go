// Package crm gives the engine read and write access to the surrounding
// customer records: orders, email engagement events, per-entity workflow
// state, and the activity timeline.
package crm

import (
	"context"
	"time"
)

// Orders answers purchase questions about an entity.
type Orders interface {
	// HasPaidOrder reports whether the entity has at least one paid order.
	HasPaidOrder(ctx context.Context, entityType, entityID string) (bool, error)
}

// EmailEvents answers engagement questions and records outbound message IDs
// so later open events can be correlated back to the entity.
type EmailEvents interface {
	// HasOpenEvent reports whether any email sent to the entity since the
	// given time was opened.
	HasOpenEvent(ctx context.Context, entityType, entityID string, since time.Time) (bool, error)

	// RecordMessageID associates a provider message ID with an entity.
	RecordMessageID(ctx context.Context, entityType, entityID, messageID string, sentAt time.Time) error
}

// Workflows tracks per-entity workflow state that outlives any single
// execution, such as whether product recommendations were already shared.
type Workflows interface {
	// GetProductsSharedAt returns when products were shared with the entity,
	// or nil if they never were.
	GetProductsSharedAt(ctx context.Context, entityType, entityID string) (*time.Time, error)

	// MarkProductsShared records that products were shared with the entity.
	MarkProductsShared(ctx context.Context, entityType, entityID string, at time.Time) error
}

// Activity is one entry in an entity's timeline.
type Activity struct {
	ID         string
	EntityType string
	EntityID   string
	Kind       string
	Summary    string
	OccurredAt time.Time
}

// Activities appends entries to entity timelines.
type Activities interface {
	Insert(ctx context.Context, activity Activity) error
}

// CRM bundles all collaborator interfaces the engine needs.
type CRM struct {
	Orders      Orders
	EmailEvents EmailEvents
	Workflows   Workflows
	Activities  Activities
}
