package crm

import (
	"context"
	"sync"
	"time"
)

// MemCRM is an in-memory CRM for tests and local development.
type MemCRM struct {
	mu            sync.RWMutex
	paidOrders    map[string]bool
	openEvents    map[string][]time.Time
	messageIDs    map[string][]string
	productsShare map[string]time.Time
	activities    []Activity
}

// NewMemCRM creates an empty in-memory CRM.
func NewMemCRM() *MemCRM {
	return &MemCRM{
		paidOrders:    make(map[string]bool),
		openEvents:    make(map[string][]time.Time),
		messageIDs:    make(map[string][]string),
		productsShare: make(map[string]time.Time),
	}
}

// NewMem bundles a MemCRM into a CRM aggregate and returns both.
func NewMem() (CRM, *MemCRM) {
	mem := NewMemCRM()
	return CRM{
		Orders:      mem,
		EmailEvents: mem,
		Workflows:   mem,
		Activities:  mem,
	}, mem
}

func entityKey(entityType, entityID string) string {
	return entityType + "|" + entityID
}

// HasPaidOrder reports whether the entity has a paid order.
func (c *MemCRM) HasPaidOrder(_ context.Context, entityType, entityID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paidOrders[entityKey(entityType, entityID)], nil
}

// SetPaidOrder marks the entity as having a paid order.
func (c *MemCRM) SetPaidOrder(entityType, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paidOrders[entityKey(entityType, entityID)] = true
}

// HasOpenEvent reports whether the entity opened an email since the given
// time.
func (c *MemCRM) HasOpenEvent(_ context.Context, entityType, entityID string, since time.Time) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, at := range c.openEvents[entityKey(entityType, entityID)] {
		if !at.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// AddOpenEvent records an email open event for the entity.
func (c *MemCRM) AddOpenEvent(entityType, entityID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := entityKey(entityType, entityID)
	c.openEvents[key] = append(c.openEvents[key], at)
}

// RecordMessageID associates a provider message ID with an entity.
func (c *MemCRM) RecordMessageID(_ context.Context, entityType, entityID, messageID string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := entityKey(entityType, entityID)
	c.messageIDs[key] = append(c.messageIDs[key], messageID)
	return nil
}

// MessageIDs returns the recorded message IDs for an entity.
func (c *MemCRM) MessageIDs(entityType, entityID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, len(c.messageIDs[entityKey(entityType, entityID)]))
	copy(ids, c.messageIDs[entityKey(entityType, entityID)])
	return ids
}

// GetProductsSharedAt returns when products were shared with the entity.
func (c *MemCRM) GetProductsSharedAt(_ context.Context, entityType, entityID string) (*time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if at, ok := c.productsShare[entityKey(entityType, entityID)]; ok {
		return &at, nil
	}
	return nil, nil
}

// MarkProductsShared records the share timestamp. The first writer wins.
func (c *MemCRM) MarkProductsShared(_ context.Context, entityType, entityID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := entityKey(entityType, entityID)
	if _, ok := c.productsShare[key]; !ok {
		c.productsShare[key] = at
	}
	return nil
}

// Insert appends an activity.
func (c *MemCRM) Insert(_ context.Context, activity Activity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activities = append(c.activities, activity)
	return nil
}

// Activities returns all recorded activities.
func (c *MemCRM) Activities() []Activity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Activity, len(c.activities))
	copy(out, c.activities)
	return out
}
