package engine

import "sort"

// bookSide is an ordered price -> volume mapping. prices is kept sorted in
// read order (descending for bids, ascending for asks) so the best price
// is always prices[0].
type bookSide struct {
	desc    bool
	prices  []float64
	volumes map[float64]float64
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{
		desc:    desc,
		volumes: make(map[float64]float64),
	}
}

func (s *bookSide) before(a, b float64) bool {
	if s.desc {
		return a > b
	}
	return a < b
}

// search returns the index where price is, or would be inserted.
func (s *bookSide) search(price float64) int {
	return sort.Search(len(s.prices), func(i int) bool {
		return !s.before(s.prices[i], price)
	})
}

func (s *bookSide) best() (float64, bool) {
	if len(s.prices) == 0 {
		return 0, false
	}
	return s.prices[0], true
}

func (s *bookSide) volume(price float64) (float64, bool) {
	v, ok := s.volumes[price]
	return v, ok
}

// set upserts a level. Callers never pass a zero volume.
func (s *bookSide) set(price, volume float64) {
	if _, ok := s.volumes[price]; !ok {
		i := s.search(price)
		s.prices = append(s.prices, 0)
		copy(s.prices[i+1:], s.prices[i:])
		s.prices[i] = price
	}
	s.volumes[price] = volume
}

func (s *bookSide) remove(price float64) {
	if _, ok := s.volumes[price]; !ok {
		return
	}
	delete(s.volumes, price)
	i := s.search(price)
	s.prices = append(s.prices[:i], s.prices[i+1:]...)
}

func (s *bookSide) reset() {
	s.prices = s.prices[:0]
	s.volumes = make(map[float64]float64)
}

func (s *bookSide) len() int { return len(s.prices) }

// levels copies the side out in read order.
func (s *bookSide) levels() []PriceLevel {
	out := make([]PriceLevel, len(s.prices))
	for i, p := range s.prices {
		out[i] = PriceLevel{Price: p, Volume: s.volumes[p]}
	}
	return out
}
