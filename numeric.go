package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Numeric is an unsigned integer that may arrive on the wire as either a
// JSON string or a JSON number. All amount and timing fields cross the
// verification/settlement boundary through this one type so they are
// compared as unsigned big integers, never as floats.
type Numeric string

// UnmarshalJSON accepts both `"1000000"` and `1000000`.
func (n *Numeric) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = Numeric(s)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("numeric field must be a string or number: %s", string(data))
	}
	*n = Numeric(num.String())
	return nil
}

// MarshalJSON always serializes as a decimal string.
func (n Numeric) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(n))
}

func (n Numeric) String() string {
	return string(n)
}

// BigInt parses the value as an unsigned decimal integer.
// Scientific notation, fractions, hex and negative values are rejected.
func (n Numeric) BigInt() (*big.Int, error) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return nil, fmt.Errorf("empty numeric value")
	}

	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric value %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative numeric value %q", s)
	}

	return v, nil
}
