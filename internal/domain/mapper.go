package domain

import "fmt"

// MapperRule reshapes one attribute of a materialized row: rename it,
// exclude it, or recurse into an embedded association value.
type MapperRule struct {
	Attribute string       `json:"attribute"`
	RenameTo  string       `json:"rename_to,omitempty"`
	Exclude   bool         `json:"exclude,omitempty"`
	Nested    []MapperRule `json:"nested,omitempty"`
}

// AggregateRule groups rows by key attributes and sums a numeric attribute,
// replacing each group with one row. Output is ordered by group key ascending.
type AggregateRule struct {
	GroupBy         []string `json:"group_by"`
	SumAttribute    string   `json:"sum_attribute"`
	TargetAttribute string   `json:"target_attribute,omitempty"`
}

// MapperSet is a named rule set registered against a relation, invocable
// explicitly or auto-applied after composition.
type MapperSet struct {
	Name      string         `json:"name"`
	Relation  string         `json:"relation"`
	Rules     []MapperRule   `json:"rules,omitempty"`
	Aggregate *AggregateRule `json:"aggregate,omitempty"`
}

// Validate checks the mapper set is structurally complete.
func (m MapperSet) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: mapper name is required", ErrConfiguration)
	}
	if m.Relation == "" {
		return fmt.Errorf("%w: mapper %s missing relation", ErrConfiguration, m.Name)
	}
	if len(m.Rules) == 0 && m.Aggregate == nil {
		return fmt.Errorf("%w: mapper %s declares no rules", ErrConfiguration, m.Name)
	}
	if err := validateRules(m.Name, m.Rules); err != nil {
		return err
	}
	if m.Aggregate != nil {
		if len(m.Aggregate.GroupBy) == 0 {
			return fmt.Errorf("%w: mapper %s aggregate missing group keys", ErrConfiguration, m.Name)
		}
		if m.Aggregate.SumAttribute == "" {
			return fmt.Errorf("%w: mapper %s aggregate missing sum attribute", ErrConfiguration, m.Name)
		}
	}
	return nil
}

func validateRules(mapper string, rules []MapperRule) error {
	for _, rule := range rules {
		if rule.Attribute == "" {
			return fmt.Errorf("%w: mapper %s has a rule without an attribute", ErrConfiguration, mapper)
		}
		if rule.Exclude && (rule.RenameTo != "" || len(rule.Nested) > 0) {
			return fmt.Errorf("%w: mapper %s rule for %s mixes exclude with other actions",
				ErrConfiguration, mapper, rule.Attribute)
		}
		if err := validateRules(mapper, rule.Nested); err != nil {
			return err
		}
	}
	return nil
}
