package money

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// orderIDPattern is the marketplace order number format: three groups of
// digits, e.g. "171-3322844-9760332".
var orderIDPattern = regexp.MustCompile(`^\d{3}-\d{7}-\d{7}$`)

// OrderID is a validated marketplace order identifier.
type OrderID string

// NewOrderID validates the raw identifier against the marketplace format.
func NewOrderID(raw string) (OrderID, error) {
	if !orderIDPattern.MatchString(raw) {
		return "", fmt.Errorf("invalid order id %q: want DDD-DDDDDDD-DDDDDDD", raw)
	}
	return OrderID(raw), nil
}

func (id OrderID) String() string {
	return string(id)
}

// ExecutionID is the per-invocation correlation id threaded through every
// event, stream message and log line produced by one run.
type ExecutionID string

// NewExecutionID generates a fresh 128-bit execution id. Called exactly once
// at each public entry point.
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

func (id ExecutionID) String() string {
	return string(id)
}

// ParseExecutionID validates an execution id received over the wire.
func ParseExecutionID(raw string) (ExecutionID, error) {
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("invalid execution id %q: %w", raw, err)
	}
	return ExecutionID(raw), nil
}

// NewEventID generates a unique id for a domain event.
func NewEventID() string {
	return uuid.New().String()
}
