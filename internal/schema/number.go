package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Number carries a decimal value together with the exchange's canonical textual
// form. Serialisation always emits the original text so trailing zeros and
// precision survive re-encoding; arithmetic and comparison go through the
// decimal value so binary floating point never touches price or quantity.
type Number struct {
	dec  decimal.Decimal
	text string
}

// NumberFromString parses the exchange textual form into a Number.
func NumberFromString(s string) (Number, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Number{}, fmt.Errorf("number: empty string")
	}
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return Number{}, fmt.Errorf("number: parse %q: %w", s, err)
	}
	return Number{dec: dec, text: s}, nil
}

// NumberFromDecimal wraps a computed decimal, deriving its text form.
func NumberFromDecimal(d decimal.Decimal) Number {
	return Number{dec: d, text: d.String()}
}

// Decimal returns the exact decimal value.
func (n Number) Decimal() decimal.Decimal { return n.dec }

// String returns the canonical textual form.
func (n Number) String() string { return n.text }

// IsZero reports whether the number was never set or equals zero.
func (n Number) IsZero() bool { return n.text == "" || n.dec.IsZero() }

// Positive reports whether the number is set and strictly greater than zero.
func (n Number) Positive() bool { return n.text != "" && n.dec.Sign() > 0 }

// Cmp compares n against other by decimal value.
func (n Number) Cmp(other Number) int { return n.dec.Cmp(other.dec) }

// MarshalJSON emits the canonical text as a JSON string.
func (n Number) MarshalJSON() ([]byte, error) {
	if n.text == "" {
		return []byte(`""`), nil
	}
	return []byte(`"` + n.text + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a bare JSON number.
func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*n = Number{}
		return nil
	}
	s = strings.Trim(s, `"`)
	parsed, err := NumberFromString(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
