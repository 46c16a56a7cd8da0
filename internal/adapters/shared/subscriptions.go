package shared

import (
	"sort"
	"sync"

	"github.com/marketprism/marketprism/internal/schema"
)

// Subscription identifies one (symbol, data type) interest.
type Subscription struct {
	Symbol   string
	DataType schema.DataType
}

// SubscriptionSet tracks registered interests. Registration is idempotent and
// safe from any goroutine; the adapter snapshots the set when (re)subscribing
// after a connect.
type SubscriptionSet struct {
	mu   sync.Mutex
	subs map[Subscription]struct{}
}

// NewSubscriptionSet creates an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{subs: make(map[Subscription]struct{})}
}

// Add registers the subscription, reporting whether it is new.
func (s *SubscriptionSet) Add(sub Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub]; exists {
		return false
	}
	s.subs[sub] = struct{}{}
	return true
}

// All returns the subscriptions in a stable order.
func (s *SubscriptionSet) All() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].DataType < out[j].DataType
	})
	return out
}

// Symbols returns the distinct symbols subscribed to dataType.
func (s *SubscriptionSet) Symbols(dataType schema.DataType) []string {
	seen := make(map[string]struct{})
	for _, sub := range s.All() {
		if sub.DataType == dataType {
			seen[sub.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
