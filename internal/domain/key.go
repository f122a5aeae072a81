package domain

import (
	"fmt"
	"strings"
)

// keySeparator joins the normalization scheme and the ticker in Key.String.
const keySeparator = "~"

// Key identifies one logical data feed plus the normalization scheme applied to it.
// It is a comparable value and is used directly as a map key.
type Key struct {
	Ticker string `json:"ticker" cbor:"ticker"`
	Scheme string `json:"scheme,omitempty" cbor:"scheme,omitempty"`
}

// NewKey creates a key for ticker normalized with scheme.
func NewKey(ticker, scheme string) Key {
	return Key{Ticker: ticker, Scheme: scheme}
}

// String renders the key as "scheme~ticker", or just the ticker when no scheme is set.
func (k Key) String() string {
	if k.Scheme == "" {
		return k.Ticker
	}
	return k.Scheme + keySeparator + k.Ticker
}

// IsZero reports whether the key has no ticker.
func (k Key) IsZero() bool {
	return k.Ticker == ""
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	scheme, ticker, found := strings.Cut(s, keySeparator)
	if !found {
		return Key{Ticker: s}, nil
	}
	if ticker == "" {
		return Key{}, fmt.Errorf("%w: %q has no ticker", ErrInvalidKey, s)
	}
	return Key{Ticker: ticker, Scheme: scheme}, nil
}

// User is the principal on whose behalf a request is made.
// It is opaque to the client beyond equality.
type User struct {
	Name string `json:"name" cbor:"name"`
	Host string `json:"host,omitempty" cbor:"host,omitempty"`
}

func (u User) String() string {
	if u.Host == "" {
		return u.Name
	}
	return u.Name + "@" + u.Host
}
