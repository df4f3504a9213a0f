package store

import (
	"encoding/json"
	"maps"
	"math"
	"strconv"
)

// Record is the JSON object persisted under a store key.
type Record map[string]any

// Clone returns a shallow copy. A nil Record clones to an empty one.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	maps.Copy(out, r)
	return out
}

// String returns the value of key as a string, or "" if it is missing or not a string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int64 returns the value of key as an integer. JSON numbers decode as
// float64 and are truncated.
func (r Record) Int64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns the value of key as a float64.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Bool returns the value of key as a bool.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

func merge(layers ...Record) Record {
	out := Record{}
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}

// decode parses raw. Malformed or non-object JSON reads as absent.
func decode(raw string) Record {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil
	}
	return r
}
