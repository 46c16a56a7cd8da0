// Package orderbook maintains continuously synchronised local order books by
// combining REST snapshots with incremental websocket updates, validating
// exchange sequence numbers, and emitting periodic top-N snapshots.
package orderbook

import (
	"fmt"
	"time"

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/schema"
)

// State positions a book in its synchronisation lifecycle.
type State int

const (
	StateUnsynced State = iota
	StateSnapshotPending
	StateBuffering
	StateSynced
)

// String names the state for logs and metrics.
func (s State) String() string {
	switch s {
	case StateUnsynced:
		return "unsynced"
	case StateSnapshotPending:
		return "snapshot_pending"
	case StateBuffering:
		return "buffering"
	case StateSynced:
		return "synced"
	}
	return "unknown"
}

// SequenceMode selects the exchange's sequencing contract.
type SequenceMode int

const (
	// SequenceBinance gates on U <= lastUpdateId+1 <= u ranges.
	SequenceBinance SequenceMode = iota
	// SequenceOKX gates on prevSeqId == current seqId plus an optional checksum.
	SequenceOKX
)

// Update is one incremental depth event, normalised across exchanges.
type Update struct {
	// FirstUpdateID is Binance U; zero for OKX.
	FirstUpdateID uint64
	// FinalUpdateID is Binance u or the OKX seqId.
	FinalUpdateID uint64
	// PrevSeqID is the OKX prevSeqId; unused for Binance.
	PrevSeqID uint64
	Bids      []Level
	Asks      []Level
	// Checksum carries the OKX top-25 CRC32 when HasChecksum is set.
	Checksum    int32
	HasChecksum bool
	Received    time.Time
}

const (
	maxBufferedUpdates = 1000
	staleBufferAge     = 30 * time.Second
)

// Book is the single-writer order-book state for one (exchange, symbol).
// All methods must be called from the symbol's dedicated update loop.
type Book struct {
	exchange schema.Exchange
	symbol   string
	mode     SequenceMode

	state        State
	bids         *side
	asks         *side
	lastUpdateID uint64
	buffer       []Update

	staleDiscards uint64
	now           func() time.Time
}

// NewBook creates an unsynced book for the exchange and symbol.
func NewBook(exchange schema.Exchange, symbol string, mode SequenceMode) *Book {
	return &Book{
		exchange: exchange,
		symbol:   symbol,
		mode:     mode,
		state:    StateUnsynced,
		bids:     newSide(true),
		asks:     newSide(false),
		now:      time.Now,
	}
}

// State returns the current lifecycle state.
func (b *Book) State() State { return b.state }

// Synced reports whether incremental updates can be applied safely.
func (b *Book) Synced() bool { return b.state == StateSynced }

// LastUpdateID returns the sequence position of the book.
func (b *Book) LastUpdateID() uint64 { return b.lastUpdateID }

// MarkSnapshotPending records that a REST snapshot request is in flight.
// Updates arriving meanwhile are buffered.
func (b *Book) MarkSnapshotPending() {
	if b.state == StateUnsynced {
		b.state = StateSnapshotPending
	}
}

// Invalidate drops sync, clears both sides, and keeps nothing buffered.
// Called on sequence gaps, checksum mismatches, and disconnects.
func (b *Book) Invalidate() {
	b.state = StateUnsynced
	b.bids.clear()
	b.asks.clear()
	b.buffer = b.buffer[:0]
	b.lastUpdateID = 0
}

// ApplySnapshot seeds the book from a REST (or OKX push) snapshot and replays
// any buffered updates that extend past it. On success the book is SYNCED.
func (b *Book) ApplySnapshot(lastUpdateID uint64, bids, asks []Level) error {
	if lastUpdateID == 0 {
		return errs.New(string(b.exchange), errs.KindProtocol,
			errs.WithMessage("snapshot without sequence id"))
	}
	b.bids.replace(bids)
	b.asks.replace(asks)
	b.lastUpdateID = lastUpdateID
	b.state = StateBuffering

	pending := b.buffer
	b.buffer = nil
	for _, upd := range pending {
		if b.alreadyCovered(upd) {
			continue
		}
		if err := b.applySequenced(upd); err != nil {
			b.Invalidate()
			return err
		}
	}
	b.state = StateSynced
	return nil
}

// ApplyUpdate processes one incremental update. Before sync the update is
// buffered and (false, nil) is returned. After sync it is applied in sequence;
// a gap or checksum failure invalidates the book and returns a protocol error
// so the caller can schedule a re-snapshot.
func (b *Book) ApplyUpdate(upd Update) (bool, error) {
	switch b.state {
	case StateUnsynced, StateSnapshotPending, StateBuffering:
		b.bufferUpdate(upd)
		return false, nil
	case StateSynced:
		if b.alreadyCovered(upd) {
			return false, nil
		}
		if err := b.applySequenced(upd); err != nil {
			b.Invalidate()
			return false, err
		}
		return true, nil
	}
	return false, errs.New(string(b.exchange), errs.KindInvariant,
		errs.WithMessage(fmt.Sprintf("book in impossible state %d", b.state)))
}

func (b *Book) alreadyCovered(upd Update) bool {
	return upd.FinalUpdateID <= b.lastUpdateID
}

func (b *Book) applySequenced(upd Update) error {
	switch b.mode {
	case SequenceBinance:
		// Apply only when U <= lastUpdateId+1 <= u.
		if upd.FirstUpdateID > b.lastUpdateID+1 {
			return errs.New(string(b.exchange), errs.KindProtocol,
				errs.WithMessage(fmt.Sprintf("sequence gap: expected first id <= %d, got %d",
					b.lastUpdateID+1, upd.FirstUpdateID)))
		}
	case SequenceOKX:
		if upd.PrevSeqID != b.lastUpdateID {
			return errs.New(string(b.exchange), errs.KindProtocol,
				errs.WithMessage(fmt.Sprintf("sequence gap: prevSeqId %d != current %d",
					upd.PrevSeqID, b.lastUpdateID)))
		}
	}

	for _, level := range upd.Bids {
		b.bids.set(level.Price, level.Quantity)
	}
	for _, level := range upd.Asks {
		b.asks.set(level.Price, level.Quantity)
	}
	b.lastUpdateID = upd.FinalUpdateID

	if b.mode == SequenceOKX && upd.HasChecksum {
		want := OKXChecksum(b.bids.top(okxChecksumDepth), b.asks.top(okxChecksumDepth))
		if want != upd.Checksum {
			return errs.New(string(b.exchange), errs.KindProtocol,
				errs.WithMessage(fmt.Sprintf("checksum mismatch: computed %d, exchange %d",
					want, upd.Checksum)))
		}
	}
	return nil
}

func (b *Book) bufferUpdate(upd Update) {
	if len(b.buffer) >= maxBufferedUpdates {
		b.buffer = b.buffer[1:]
		b.staleDiscards++
	}
	b.buffer = append(b.buffer, upd)
}

// DiscardStaleBuffer drops buffered updates older than 30s while a snapshot is
// pending and returns how many were discarded.
func (b *Book) DiscardStaleBuffer() int {
	if b.state != StateSnapshotPending && b.state != StateBuffering {
		return 0
	}
	cutoff := b.now().Add(-staleBufferAge)
	kept := b.buffer[:0]
	discarded := 0
	for _, upd := range b.buffer {
		if !upd.Received.IsZero() && upd.Received.Before(cutoff) {
			discarded++
			continue
		}
		kept = append(kept, upd)
	}
	b.buffer = kept
	return discarded
}

// Snapshot renders the current book as a canonical payload with at most depth
// levels per side. Only meaningful while synced.
func (b *Book) Snapshot(depth int) schema.OrderBookPayload {
	payload := schema.OrderBookPayload{LastUpdateID: b.lastUpdateID}
	if best, ok := b.bids.best(); ok {
		payload.BestBidPrice = best.Price
	}
	if best, ok := b.asks.best(); ok {
		payload.BestAskPrice = best.Price
	}
	for _, level := range b.bids.top(depth) {
		payload.Bids = append(payload.Bids, schema.PriceLevel{Price: level.Price, Quantity: level.Quantity})
	}
	for _, level := range b.asks.top(depth) {
		payload.Asks = append(payload.Asks, schema.PriceLevel{Price: level.Price, Quantity: level.Quantity})
	}
	return payload
}

// Depth returns the level counts of both sides.
func (b *Book) Depth() (bids, asks int) { return b.bids.len(), b.asks.len() }
