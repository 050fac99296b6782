package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Marker types carried on ticks.
const (
	MarkerEntry = "ENTRY"
	MarkerExit  = "EXIT"
)

var ErrNoPrice = errors.New("tick has no price")

// Marker flags an entry or exit on the live chart.
type Marker struct {
	Type      string  `json:"type"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Tick is one live feed message. Timestamp is unix milliseconds.
type Tick struct {
	Timestamp int64    `json:"timestamp"`
	Price     float64  `json:"price"`
	VWAP      float64  `json:"vwap"`
	Volume    float64  `json:"volume,omitempty"`
	Markers   []Marker `json:"markers,omitempty"`
}

// Time returns the tick timestamp as a time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// ParseTick decodes a tick leniently. Numbers may arrive as JSON numbers or
// numeric strings, timestamps as unix seconds, unix milliseconds or
// RFC3339 text. Only a usable price is required.
func ParseTick(data []byte) (Tick, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Tick{}, fmt.Errorf("decode tick: %w", err)
	}

	price, ok := toFloat(raw["price"])
	if !ok || price <= 0 {
		return Tick{}, ErrNoPrice
	}

	t := Tick{Price: price}
	t.VWAP, _ = toFloat(raw["vwap"])
	t.Volume, _ = toFloat(raw["volume"])
	t.Timestamp = toMillis(raw["timestamp"])

	if list, ok := raw["markers"].([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			kind, _ := m["type"].(string)
			kind = strings.ToUpper(kind)
			if kind != MarkerEntry && kind != MarkerExit {
				continue
			}
			mp, _ := toFloat(m["price"])
			t.Markers = append(t.Markers, Marker{Type: kind, Price: mp, Timestamp: toMillis(m["timestamp"])})
		}
	}
	return t, nil
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toMillis treats values below 1e11 as unix seconds.
func toMillis(v any) int64 {
	if s, ok := v.(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UnixMilli()
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return 0
	}
	if f < 1e11 {
		return int64(f * 1000)
	}
	return int64(f)
}
