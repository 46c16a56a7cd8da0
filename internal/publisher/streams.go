package publisher

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marketprism/marketprism/internal/schema"
)

const (
	// MarketDataStream holds every data type except order-book snapshots.
	MarketDataStream = "MARKET_DATA"
	// OrderbookStream holds snapshots, which supersede each other quickly.
	OrderbookStream = "ORDERBOOK_SNAP"

	marketDataMaxAge     = 24 * time.Hour
	orderbookMaxAge      = 6 * time.Hour
	maxMessagesPerSubject = 100_000
)

// StreamManager is the stream-administration surface of nats.JetStreamContext.
type StreamManager interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// EnsureStreams provisions both streams idempotently; an existing stream is
// updated in place so retention changes roll out on restart.
func EnsureStreams(jsm StreamManager) error {
	for _, cfg := range streamConfigs() {
		if _, err := jsm.AddStream(cfg); err != nil {
			if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				return fmt.Errorf("provision stream %s: %w", cfg.Name, err)
			}
			if _, err := jsm.UpdateStream(cfg); err != nil {
				return fmt.Errorf("update stream %s: %w", cfg.Name, err)
			}
		}
	}
	return nil
}

func streamConfigs() []*nats.StreamConfig {
	var marketSubjects []string
	for _, dt := range schema.DataTypes {
		if dt == schema.DataTypeOrderbook {
			continue
		}
		marketSubjects = append(marketSubjects, string(dt)+".>")
	}
	return []*nats.StreamConfig{
		{
			Name:              MarketDataStream,
			Subjects:          marketSubjects,
			Retention:         nats.LimitsPolicy,
			Storage:           nats.FileStorage,
			MaxAge:            marketDataMaxAge,
			MaxMsgsPerSubject: maxMessagesPerSubject,
		},
		{
			Name:              OrderbookStream,
			Subjects:          []string{string(schema.DataTypeOrderbook) + ".>"},
			Retention:         nats.LimitsPolicy,
			Storage:           nats.FileStorage,
			MaxAge:            orderbookMaxAge,
			MaxMsgsPerSubject: maxMessagesPerSubject,
		},
	}
}

// StreamFor returns the stream that carries the given data type.
func StreamFor(dataType schema.DataType) string {
	if dataType == schema.DataTypeOrderbook {
		return OrderbookStream
	}
	return MarketDataStream
}
