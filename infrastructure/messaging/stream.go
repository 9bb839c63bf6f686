// Package messaging is the durable hand-off between validation and ERP
// projection: at-least-once delivery over a consumer-group stream.
package messaging

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"order_sync/domain/money"
)

// Stream and group names of the finance hand-off.
const (
	TopicFinance = "finance"
	GroupFinance = "finance-consumers"

	// RetentionCap bounds the stream length. Retention is a backstop, not
	// correctness: the event log is authoritative and replayable.
	RetentionCap = 10000
)

// Message event types.
const (
	EventParityVerified = "FinancialParityVerified"
	EventReimbursement  = "ReimbursementEvent"
)

// Message is the flat wire record of the hand-off stream. Decimals and
// integers are string-encoded; consumers re-parse known fields.
type Message struct {
	EventType   string `json:"event_type"`
	OrderID     string `json:"order_id"`
	SKU         string `json:"sku,omitempty"`
	NetProceeds string `json:"net_proceeds"`
	AccountID   string `json:"account_id"`
	Timestamp   string `json:"timestamp"`
	ExecutionID string `json:"execution_id"`
}

// NewParityVerified builds the message published once per (order, SKU, net)
// tuple after a breakdown passes the balance check.
func NewParityVerified(orderID money.OrderID, sku string, net money.Money, accountID int64, executionID money.ExecutionID) Message {
	return Message{
		EventType:   EventParityVerified,
		OrderID:     orderID.String(),
		SKU:         sku,
		NetProceeds: net.Amount.String(),
		AccountID:   decimal.NewFromInt(accountID).String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		ExecutionID: executionID.String(),
	}
}

// NewReimbursement builds a reimbursement message. SKU stays empty;
// reimbursement entries carry no product linkage.
func NewReimbursement(orderID money.OrderID, amount money.Money, accountID int64, executionID money.ExecutionID) Message {
	return Message{
		EventType:   EventReimbursement,
		OrderID:     orderID.String(),
		NetProceeds: amount.Amount.String(),
		AccountID:   decimal.NewFromInt(accountID).String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		ExecutionID: executionID.String(),
	}
}

// Net re-parses the string-encoded net proceeds.
func (m Message) Net() (decimal.Decimal, error) {
	return decimal.NewFromString(m.NetProceeds)
}

// Delivery is one pulled message with its broker id for acknowledgement.
type Delivery struct {
	ID  string
	Msg Message
}

// Publisher appends messages to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) (string, error)
}

// Consumer is one member of a consumer group. Pull blocks up to the given
// timeout for at most max messages; Ack removes a message from the pending
// set; Nack schedules redelivery. Unacked messages are redelivered.
type Consumer interface {
	Pull(ctx context.Context, max int, block time.Duration) ([]Delivery, error)
	Ack(id string) error
	Nack(id string) error
	Close() error
}

// Stream is the full broker surface.
type Stream interface {
	Publisher
	Subscribe(topic, group string) (Consumer, error)
	Close() error
}
