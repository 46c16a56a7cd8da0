// Package adapters defines the contract every exchange connector satisfies.
package adapters

import (
	"context"

	"github.com/marketprism/marketprism/internal/schema"
)

// Connector sustains the websocket and REST sessions of one
// (exchange, market-type) pair and emits canonical records.
type Connector interface {
	// Subscribe registers interest in (symbol, dataType). Idempotent; an
	// unsupported combination returns an error immediately.
	Subscribe(symbol string, dataType schema.DataType) error
	// Records delivers normalised canonical records, order-book snapshots
	// included. The channel closes when Run returns.
	Records() <-chan *schema.Record
	// Run drives the connector until ctx is cancelled or a fatal error
	// (repeated auth/format failures) occurs.
	Run(ctx context.Context) error
	// Name reports the exchange this connector serves.
	Name() schema.Exchange
}
