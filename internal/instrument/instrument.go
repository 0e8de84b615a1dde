// Package instrument handles parsing and validation of tradable instrument
// keys. An instrument key is the symbol and its market joined by a dot:
// "AAPL.US", "00700.HK" or a pump.fun mint address such as
// "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr.PUMP".
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Known market identifiers.
const (
	MarketUS   = "US"
	MarketHK   = "HK"
	MarketPump = "PUMP"
)

// keyRegex matches: {symbol}.{market}
// Symbols are case-sensitive (mint addresses are base58); markets are upper-case.
var keyRegex = regexp.MustCompile(`^([A-Za-z0-9]{1,64})\.([A-Z]{2,8})$`)

var (
	ErrInvalidKey = errors.New("instrument: invalid key format")
)

// Instrument is a parsed instrument key.
type Instrument struct {
	Key    string `json:"key"`
	Symbol string `json:"symbol"`
	Market string `json:"market"`
}

// String returns the canonical key.
func (i Instrument) String() string {
	return i.Key
}

// Parse parses and validates an instrument key.
// Format: {symbol}.{MARKET}
func Parse(key string) (Instrument, error) {
	matches := keyRegex.FindStringSubmatch(strings.TrimSpace(key))
	if matches == nil {
		return Instrument{}, fmt.Errorf("%w: %q (expected {symbol}.{MARKET})", ErrInvalidKey, key)
	}
	return Instrument{
		Key:    matches[1] + "." + matches[2],
		Symbol: matches[1],
		Market: matches[2],
	}, nil
}

// MustParse is Parse for static keys; it panics on error.
func MustParse(key string) Instrument {
	inst, err := Parse(key)
	if err != nil {
		panic(err)
	}
	return inst
}

// Join builds an instrument key from its parts.
func Join(symbol, market string) string {
	return symbol + "." + strings.ToUpper(market)
}

// ParseList parses a comma-separated list of keys, skipping blanks.
func ParseList(s string) ([]Instrument, error) {
	var out []Instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		inst, err := Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
