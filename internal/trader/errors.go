package trader

import (
	"errors"
	"fmt"

	"keel/internal/types"
)

var ErrUnknownOrder = errors.New("trader: order not found in working set")

// DuplicateOrderError is returned when a submission reuses a local order id.
type DuplicateOrderError struct {
	LocalID string
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("trader: duplicate order id %s", e.LocalID)
}

func IsDuplicateOrder(err error) bool {
	var de *DuplicateOrderError
	return errors.As(err, &de)
}

// ConsistencyViolation marks a venue update that would move an order out of
// a terminal state, or report fills beyond the requested quantity. The
// order is left frozen in its last known state; the violation is surfaced,
// never auto-corrected.
type ConsistencyViolation struct {
	LocalID string
	From    types.OrderState
	To      types.OrderState
	Detail  string
}

func (e *ConsistencyViolation) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("trader: consistency violation on %s (%s -> %s): %s", e.LocalID, e.From, e.To, e.Detail)
	}
	return fmt.Sprintf("trader: consistency violation on %s (%s -> %s)", e.LocalID, e.From, e.To)
}

func IsConsistencyViolation(err error) bool {
	var cv *ConsistencyViolation
	return errors.As(err, &cv)
}
