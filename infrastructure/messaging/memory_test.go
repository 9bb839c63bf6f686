package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order_sync/domain/money"
)

const (
	testOrderID = money.OrderID("171-3322844-9760332")
	testExec    = money.ExecutionID("11111111-2222-3333-4444-555555555555")
)

func TestPublishAndPullFIFO(t *testing.T) {
	s := NewMemoryStream()
	ctx := context.Background()

	for _, sku := range []string{"SKU-A", "SKU-B", "SKU-C"} {
		_, err := s.Publish(ctx, TopicFinance, NewParityVerified(
			testOrderID, sku, money.MustNew("10.00", "USD"), 100, testExec))
		require.NoError(t, err)
	}

	c, err := s.Subscribe(TopicFinance, GroupFinance)
	require.NoError(t, err)

	deliveries, err := c.Pull(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)

	assert.Equal(t, "SKU-A", deliveries[0].Msg.SKU)
	assert.Equal(t, "SKU-B", deliveries[1].Msg.SKU)
	assert.Equal(t, "SKU-C", deliveries[2].Msg.SKU)

	for _, d := range deliveries {
		require.NoError(t, c.Ack(d.ID))
	}

	// Nothing left.
	empty, err := c.Pull(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNackRedelivers(t *testing.T) {
	s := NewMemoryStream()
	ctx := context.Background()

	_, err := s.Publish(ctx, TopicFinance, NewParityVerified(
		testOrderID, "SKU-A", money.MustNew("10.00", "USD"), 100, testExec))
	require.NoError(t, err)

	c, err := s.Subscribe(TopicFinance, GroupFinance)
	require.NoError(t, err)

	first, err := c.Pull(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Processing failed: nack puts the message back.
	require.NoError(t, c.Nack(first[0].ID))

	second, err := c.Pull(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Msg, second[0].Msg)

	require.NoError(t, c.Ack(second[0].ID))
}

func TestCompetingConsumersSplitTheStream(t *testing.T) {
	s := NewMemoryStream()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Publish(ctx, TopicFinance, NewParityVerified(
			testOrderID, "SKU-A", money.MustNew("1.00", "USD"), 100, testExec))
		require.NoError(t, err)
	}

	c1, err := s.Subscribe(TopicFinance, GroupFinance)
	require.NoError(t, err)
	c2, err := s.Subscribe(TopicFinance, GroupFinance)
	require.NoError(t, err)

	d1, err := c1.Pull(ctx, 2, 50*time.Millisecond)
	require.NoError(t, err)
	d2, err := c2.Pull(ctx, 2, 50*time.Millisecond)
	require.NoError(t, err)

	// Each message went to exactly one consumer.
	assert.Equal(t, 4, len(d1)+len(d2))

	seen := make(map[string]bool)
	for _, d := range append(d1, d2...) {
		assert.False(t, seen[d.ID], "duplicate delivery %s", d.ID)
		seen[d.ID] = true
	}
}

func TestRetentionCapDropsOldest(t *testing.T) {
	s := NewMemoryStream()
	ctx := context.Background()

	for i := 0; i < RetentionCap+5; i++ {
		_, err := s.Publish(ctx, TopicFinance, NewParityVerified(
			testOrderID, "SKU-A", money.MustNew("1.00", "USD"), 100, testExec))
		require.NoError(t, err)
	}

	assert.Equal(t, RetentionCap, s.Depth(TopicFinance))
}

func TestMessageWireFormat(t *testing.T) {
	msg := NewParityVerified(testOrderID, "JR-ZS283", money.MustNew("150.00", "EGP"), 4001, testExec)

	assert.Equal(t, EventParityVerified, msg.EventType)
	assert.Equal(t, "150", msg.NetProceeds[:3])
	assert.Equal(t, "4001", msg.AccountID)
	assert.Equal(t, testExec.String(), msg.ExecutionID)

	net, err := msg.Net()
	require.NoError(t, err)
	assert.True(t, net.Equal(money.MustNew("150.00", "EGP").Amount))

	_, err = time.Parse(time.RFC3339, msg.Timestamp)
	assert.NoError(t, err)
}

func TestReimbursementMessageHasNoSKU(t *testing.T) {
	msg := NewReimbursement(testOrderID, money.MustNew("42.00", "USD"), 5001, testExec)
	assert.Equal(t, EventReimbursement, msg.EventType)
	assert.Empty(t, msg.SKU)
}
