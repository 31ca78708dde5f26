package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrInvalidPayload marks a stored payload that failed to decode or validate.
var ErrInvalidPayload = errors.New("snapshot: invalid payload")

// Category identifies one of the three upstream data domains.
type Category string

const (
	CategoryCBR     Category = "cbr"
	CategoryFinance Category = "finance"
	CategoryCrypto  Category = "crypto"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryCBR, CategoryFinance, CategoryCrypto}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryCBR, CategoryFinance, CategoryCrypto:
		return true
	}
	return false
}

// IsCrypto reports whether records of this category follow the crypto rules.
func (c Category) IsCrypto() bool { return c == CategoryCrypto }

// IntervalChanges holds percentage changes over the fixed lookback windows.
// A nil entry means there was not enough history.
type IntervalChanges struct {
	Hour *float64 `json:"1h"`
	Day  *float64 `json:"1d"`
	Week *float64 `json:"1w"`
}

// Spike windows.
const (
	SpikeNone = ""
	SpikeHour = "1h"
	SpikeDay  = "1d"
)

// Record is the processed per-instrument payload unit.
type Record struct {
	Value           float64         `json:"value"`
	Change          *string         `json:"change"`
	IntervalChanges IntervalChanges `json:"interval_changes"`
	ThresholdFlag   string          `json:"threshold_flag"`
	Spike           string          `json:"spike,omitempty"`
	Stale           bool            `json:"stale,omitempty"`
}

// Records maps an instrument key to its processed record.
type Records map[string]Record

// Keys returns instrument keys in lexical order.
func (r Records) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Payload is a full snapshot partitioned by category.
type Payload map[Category]Records

// Get returns the records of a category, never nil.
func (p Payload) Get(c Category) Records {
	if recs, ok := p[c]; ok && recs != nil {
		return recs
	}
	return Records{}
}

// Lookup searches every category for instrument.
func (p Payload) Lookup(instrument string) (Record, Category, bool) {
	for _, c := range Categories {
		if rec, ok := p[c][instrument]; ok {
			return rec, c, true
		}
	}
	return Record{}, "", false
}

// Empty reports whether the payload carries no records at all.
func (p Payload) Empty() bool {
	for _, recs := range p {
		if len(recs) > 0 {
			return false
		}
	}
	return true
}

// Snapshot is the result of one aggregation run.
type Snapshot struct {
	Day     time.Time
	TakenAt time.Time
	Payload Payload
}

// EncodePayload serialises a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses and validates a stored payload. Unknown categories and
// non-finite values are rejected so callers never probe ad hoc keys.
func DecodePayload(data []byte) (Payload, error) {
	var raw map[Category]Records
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out := make(Payload, len(raw))
	for c, recs := range raw {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidPayload, c)
		}
		for key, rec := range recs {
			if key == "" {
				return nil, fmt.Errorf("%w: empty instrument key in %s", ErrInvalidPayload, c)
			}
			if math.IsNaN(rec.Value) || math.IsInf(rec.Value, 0) {
				return nil, fmt.Errorf("%w: non-finite value for %s", ErrInvalidPayload, key)
			}
		}
		if recs == nil {
			recs = Records{}
		}
		out[c] = recs
	}
	return out, nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }
