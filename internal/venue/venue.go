// Package venue defines the contract with the remote execution venue. The
// engine depends on this interface only; Binance and the in-process paper
// venue implement it.
package venue

import (
	"context"
	"errors"
	"fmt"

	"keel/internal/types"
)

var ErrOrderNotFound = errors.New("venue: order not found")

// TransientError wraps a network-level failure that is worth retrying with
// backoff. Anything else coming back from a gateway is treated as final for
// the current cycle.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("venue: transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RejectionError is a venue-side refusal of an order submission, e.g. an
// invalid trigger price. Retried on the next cycle with fresh price inputs.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("venue: order rejected (%s): %s", e.Code, e.Message)
}

func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// Gateway is the venue contract consumed by the engine. All calls must
// respect the context deadline; none may block indefinitely.
type Gateway interface {
	SubmitOrder(ctx context.Context, spec OrderSpec) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, venueID string) error
	// GetOrder resolves by venue id when present, otherwise by the local
	// client order id.
	GetOrder(ctx context.Context, symbol, venueID, localID string) (OrderStatus, error)
	ListOpenPositions(ctx context.Context) ([]PositionSnapshot, error)
	LatestPrice(ctx context.Context, symbol string) (PriceQuote, error)
	AccountSummary(ctx context.Context) (types.AccountSnapshot, error)
	RecentCloses(ctx context.Context, symbol string, limit int) ([]float64, error)
	// StreamEvents opens the order lifecycle push stream. The returned
	// channel closes when ctx is done or the connection is lost; callers
	// reconnect through the stream manager.
	StreamEvents(ctx context.Context, opts StreamOptions) (<-chan OrderEvent, error)
	Close() error
}
