package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Record is one materialized row: attribute name to scalar, array, or a
// nested record embedded under an association name after composition.
type Record map[string]any

// Clone returns a shallow copy of the record. Embedded association values
// are cloned one level deep so composition output can be reshaped without
// mutating resolver results.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	clone := make(Record, len(r))
	for k, v := range r {
		switch nested := v.(type) {
		case Record:
			clone[k] = nested.Clone()
		case []Record:
			children := make([]Record, len(nested))
			for i, child := range nested {
				children[i] = child.Clone()
			}
			clone[k] = children
		default:
			clone[k] = v
		}
	}
	return clone
}

// AttributeNames returns the record's top-level attribute names sorted
// ascending. Used for deterministic export headers.
func (r Record) AttributeNames() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key canonicalizes a join-key value so keys compare equal across gateways.
// SQL drivers return int64, JSON decoding returns float64, and document
// stores return strings for the same logical key; all collapse to one form.
func Key(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return Key(float64(v))
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		return Key(numberValue(v))
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", value)
	}
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// Less orders attribute values: numerically when both sides are numeric,
// chronologically for times, lexically otherwise. Nil sorts first.
func Less(a, b any) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af < bf
	}
	at, aTime := a.(time.Time)
	bt, bTime := b.(time.Time)
	if aTime && bTime {
		return at.Before(bt)
	}
	return Key(a) < Key(b)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Numeric returns the value as a float64 when it carries a numeric type.
func Numeric(value any) (float64, bool) {
	return toFloat(value)
}

// KeySet extracts the distinct canonical key values of one attribute from a
// row set, preserving first-seen order. The raw values are returned alongside
// so gateways can filter with the original typing.
func KeySet(rows []Record, attribute string) ([]string, []any) {
	seen := make(map[string]struct{}, len(rows))
	keys := make([]string, 0, len(rows))
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		raw, ok := row[attribute]
		if !ok || raw == nil {
			continue
		}
		key := Key(raw)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
		values = append(values, raw)
	}
	return keys, values
}
