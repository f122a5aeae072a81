package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SeqReset marks a tick that is a full image superseding anything before it
// (server restart or migration).
const SeqReset uint64 = 0

// Tick is one sequenced update for a key.
// A snapshot is a Tick used to seed a listener's initial state.
type Tick struct {
	Key       Key                        `json:"key" cbor:"key"`
	Sequence  uint64                     `json:"seq" cbor:"seq"`
	Timestamp time.Time                  `json:"ts" cbor:"ts"`
	Fields    map[string]decimal.Decimal `json:"fields,omitempty" cbor:"fields,omitempty"`
}

// IsReset reports whether the tick carries the reset sequence number.
func (t Tick) IsReset() bool {
	return t.Sequence == SeqReset
}

// Field returns the named value, or false if the tick does not carry it.
func (t Tick) Field(name string) (decimal.Decimal, bool) {
	v, ok := t.Fields[name]
	return v, ok
}

// Clone returns a copy whose field map can be modified independently.
func (t Tick) Clone() Tick {
	c := t
	if t.Fields != nil {
		c.Fields = make(map[string]decimal.Decimal, len(t.Fields))
		for k, v := range t.Fields {
			c.Fields[k] = v
		}
	}
	return c
}
