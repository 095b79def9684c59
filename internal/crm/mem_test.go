package crm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemCRMPaidOrders(t *testing.T) {
	ctx := context.Background()
	c := NewMemCRM()

	has, err := c.HasPaidOrder(ctx, "lead", "lead-1")
	require.NoError(t, err)
	assert.False(t, has)

	c.SetPaidOrder("lead", "lead-1")

	has, err = c.HasPaidOrder(ctx, "lead", "lead-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMemCRMOpenEventsSince(t *testing.T) {
	ctx := context.Background()
	c := NewMemCRM()
	now := time.Now().UTC()

	c.AddOpenEvent("lead", "lead-1", now.Add(-2*time.Hour))

	// Opened before the cutoff: not counted.
	has, err := c.HasOpenEvent(ctx, "lead", "lead-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, has)

	has, err = c.HasOpenEvent(ctx, "lead", "lead-1", now.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMemCRMProductsSharedFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	c := NewMemCRM()
	first := time.Now().UTC()
	second := first.Add(time.Hour)

	at, err := c.GetProductsSharedAt(ctx, "lead", "lead-1")
	require.NoError(t, err)
	assert.Nil(t, at)

	require.NoError(t, c.MarkProductsShared(ctx, "lead", "lead-1", first))
	require.NoError(t, c.MarkProductsShared(ctx, "lead", "lead-1", second))

	at, err = c.GetProductsSharedAt(ctx, "lead", "lead-1")
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.True(t, at.Equal(first))
}

func TestMemCRMMessageIDs(t *testing.T) {
	ctx := context.Background()
	c := NewMemCRM()

	require.NoError(t, c.RecordMessageID(ctx, "lead", "lead-1", "msg-1", time.Now()))
	require.NoError(t, c.RecordMessageID(ctx, "lead", "lead-1", "msg-2", time.Now()))

	assert.Equal(t, []string{"msg-1", "msg-2"}, c.MessageIDs("lead", "lead-1"))
}
