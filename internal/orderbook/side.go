package orderbook

import (
	"sort"

	"github.com/marketprism/marketprism/internal/schema"
)

// Level is one (price, quantity) pair of a book side.
type Level struct {
	Price    schema.Number
	Quantity schema.Number
}

// side keeps one book side ordered by decimal price: bids descending, asks
// ascending. Quantity zero removes the level. Lookups and mutations are
// O(log n) + shift; best price is index 0.
type side struct {
	desc   bool
	levels []Level
}

func newSide(desc bool) *side {
	return &side{desc: desc}
}

func (s *side) len() int { return len(s.levels) }

// search returns the insertion index for price and whether an exact match
// exists there.
func (s *side) search(price schema.Number) (int, bool) {
	idx := sort.Search(len(s.levels), func(i int) bool {
		cmp := s.levels[i].Price.Cmp(price)
		if s.desc {
			return cmp <= 0
		}
		return cmp >= 0
	})
	if idx < len(s.levels) && s.levels[idx].Price.Cmp(price) == 0 {
		return idx, true
	}
	return idx, false
}

// set inserts or replaces the level at price; quantity <= 0 removes it.
func (s *side) set(price, quantity schema.Number) {
	idx, found := s.search(price)
	if !quantity.Positive() {
		if found {
			s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
		}
		return
	}
	if found {
		s.levels[idx].Quantity = quantity
		return
	}
	s.levels = append(s.levels, Level{})
	copy(s.levels[idx+1:], s.levels[idx:])
	s.levels[idx] = Level{Price: price, Quantity: quantity}
}

// best returns the top-of-book level, if any.
func (s *side) best() (Level, bool) {
	if len(s.levels) == 0 {
		return Level{}, false
	}
	return s.levels[0], true
}

// top copies out at most n levels from the top of the side.
func (s *side) top(n int) []Level {
	if n <= 0 || n > len(s.levels) {
		n = len(s.levels)
	}
	out := make([]Level, n)
	copy(out, s.levels[:n])
	return out
}

// replace resets the side from snapshot levels, dropping non-positive quantities.
func (s *side) replace(levels []Level) {
	s.levels = s.levels[:0]
	for _, level := range levels {
		if level.Quantity.Positive() {
			s.set(level.Price, level.Quantity)
		}
	}
}

func (s *side) clear() { s.levels = s.levels[:0] }
