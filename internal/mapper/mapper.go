package mapper

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rpattn/relcompose/internal/domain"
)

// Apply reshapes materialized rows through a mapper set: attribute rules
// first (rename, exclude, nested recursion into embedded values), then the
// aggregate transform when one is declared.
func Apply(rows []domain.Record, set domain.MapperSet) ([]domain.Record, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	mapped := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		reshaped, err := applyRules(row, set.Rules)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, reshaped)
	}
	if set.Aggregate != nil {
		return aggregate(mapped, *set.Aggregate)
	}
	return mapped, nil
}

// Flatten strips embedded association values from each row, leaving only
// the scalar attributes. Composing, mapping, then flattening reproduces the
// root rows' scalar attributes.
func Flatten(rows []domain.Record) []domain.Record {
	flattened := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		flat := make(domain.Record, len(row))
		for k, v := range row {
			switch v.(type) {
			case domain.Record, []domain.Record, nil:
				continue
			default:
				flat[k] = v
			}
		}
		flattened = append(flattened, flat)
	}
	return flattened
}

func applyRules(row domain.Record, rules []domain.MapperRule) (domain.Record, error) {
	out := row.Clone()
	for _, rule := range rules {
		value, ok := out[rule.Attribute]
		if !ok {
			return nil, fmt.Errorf("%w: rule references attribute %s absent from row",
				domain.ErrMappingShapeMismatch, rule.Attribute)
		}
		if rule.Exclude {
			delete(out, rule.Attribute)
			continue
		}
		if len(rule.Nested) > 0 {
			reshaped, err := applyNested(value, rule.Nested)
			if err != nil {
				return nil, err
			}
			value = reshaped
			out[rule.Attribute] = value
		}
		if rule.RenameTo != "" && rule.RenameTo != rule.Attribute {
			delete(out, rule.Attribute)
			out[rule.RenameTo] = value
		}
	}
	return out, nil
}

// applyNested recurses into an embedded association value. A nil embed
// (an unmatched belongs-to) passes through untouched.
func applyNested(value any, rules []domain.MapperRule) (any, error) {
	switch embedded := value.(type) {
	case nil:
		return nil, nil
	case domain.Record:
		return applyRules(embedded, rules)
	case []domain.Record:
		reshaped := make([]domain.Record, len(embedded))
		for i, child := range embedded {
			mapped, err := applyRules(child, rules)
			if err != nil {
				return nil, err
			}
			reshaped[i] = mapped
		}
		return reshaped, nil
	default:
		return nil, fmt.Errorf("%w: nested rules applied to non-embedded value %T",
			domain.ErrMappingShapeMismatch, value)
	}
}

type group struct {
	keys []any
	sum  float64
}

// aggregate groups rows by the rule's key attributes and sums the numeric
// attribute, one output row per group, ordered by group key ascending.
func aggregate(rows []domain.Record, rule domain.AggregateRule) ([]domain.Record, error) {
	target := rule.TargetAttribute
	if target == "" {
		target = rule.SumAttribute
	}

	groups := make(map[string]*group)
	order := make([]string, 0)
	for _, row := range rows {
		keyParts := make([]string, len(rule.GroupBy))
		keys := make([]any, len(rule.GroupBy))
		for i, attr := range rule.GroupBy {
			value, ok := row[attr]
			if !ok {
				return nil, fmt.Errorf("%w: aggregate group key %s absent from row",
					domain.ErrMappingShapeMismatch, attr)
			}
			keyParts[i] = domain.Key(value)
			keys[i] = value
		}
		raw, ok := row[rule.SumAttribute]
		if !ok {
			return nil, fmt.Errorf("%w: aggregate sum attribute %s absent from row",
				domain.ErrMappingShapeMismatch, rule.SumAttribute)
		}
		amount, ok := domain.Numeric(raw)
		if !ok {
			return nil, fmt.Errorf("%w: aggregate sum attribute %s is not numeric",
				domain.ErrMappingShapeMismatch, rule.SumAttribute)
		}

		key := strings.Join(keyParts, "\x1f")
		g, exists := groups[key]
		if !exists {
			g = &group{keys: keys}
			groups[key] = g
			order = append(order, key)
		}
		g.sum += amount
	}

	sort.Slice(order, func(i, j int) bool {
		return lessGroup(groups[order[i]].keys, groups[order[j]].keys)
	})

	result := make([]domain.Record, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := make(domain.Record, len(rule.GroupBy)+1)
		for i, attr := range rule.GroupBy {
			row[attr] = g.keys[i]
		}
		row[target] = sumValue(g.sum)
		result = append(result, row)
	}
	return result, nil
}

func lessGroup(a, b []any) bool {
	for i := range a {
		if i >= len(b) {
			return false
		}
		if domain.Less(a[i], b[i]) {
			return true
		}
		if domain.Less(b[i], a[i]) {
			return false
		}
	}
	return len(a) < len(b)
}

// sumValue keeps integral sums integral so grouped counters round-trip
// through JSON without a fractional part.
func sumValue(sum float64) any {
	if sum == math.Trunc(sum) && !math.IsInf(sum, 0) {
		return int64(sum)
	}
	return sum
}
