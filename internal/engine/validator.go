package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMalformedLevel is returned when a price/volume pair cannot be read as
// a valid price (> 0) and a valid non-negative volume.
var ErrMalformedLevel = errors.New("malformed price level")

// maxMagnitude bounds the decimal order of magnitude a level may carry.
// Converting a decimal to float64 expands its exponent, so huge exponents
// must be rejected before conversion.
const maxMagnitude = 30

// ParseLevel validates a raw level. Decimal parsing rejects NaN, Inf and
// anything that is not a plain decimal number.
func ParseLevel(l Level) (PriceLevel, error) {
	price, err := parseDecimal(l.Price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("%w: price %q: %v", ErrMalformedLevel, l.Price, err)
	}
	if !price.IsPositive() {
		return PriceLevel{}, fmt.Errorf("%w: price %q must be > 0", ErrMalformedLevel, l.Price)
	}

	volume, err := parseDecimal(l.Volume)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("%w: volume %q: %v", ErrMalformedLevel, l.Volume, err)
	}
	if volume.IsNegative() {
		return PriceLevel{}, fmt.Errorf("%w: volume %q must be >= 0", ErrMalformedLevel, l.Volume)
	}

	p, _ := price.Float64()
	v, _ := volume.Float64()
	if p <= 0 {
		return PriceLevel{}, fmt.Errorf("%w: price %q underflows", ErrMalformedLevel, l.Price)
	}

	return PriceLevel{Price: p, Volume: v}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if d.IsZero() {
		return d, nil
	}
	if mag := d.NumDigits() + int(d.Exponent()); mag > maxMagnitude || mag < -maxMagnitude {
		return decimal.Decimal{}, fmt.Errorf("magnitude 1e%d out of range", mag)
	}
	return d, nil
}

// ParseLevels validates every level, failing on the first malformed one.
// Nothing is returned on failure so callers can parse-then-apply.
func ParseLevels(raw []Level) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(raw))
	for i, l := range raw {
		pl, err := ParseLevel(l)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		out = append(out, pl)
	}
	return out, nil
}
