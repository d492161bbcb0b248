package domain

import "fmt"

// AssociationKind distinguishes single-valued from collection associations.
type AssociationKind string

const (
	AssociationBelongsTo AssociationKind = "belongs_to"
	AssociationHasMany   AssociationKind = "has_many"
)

// JoinKey maps one source attribute to the target attribute it joins on.
type JoinKey struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Association is a declared, directed relationship between two relations.
// Associations may cross gateways; the resolver decides between a native
// join and an application-level two-phase fetch.
type Association struct {
	Name     string          `json:"name"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	Kind     AssociationKind `json:"kind"`
	JoinKeys []JoinKey       `json:"join_keys"`
	// View names a registered filter view on the target relation used in
	// place of the default IN filter. Optional.
	View string `json:"view,omitempty"`
}

// Validate checks the association is structurally complete.
func (a Association) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: association name is required", ErrConfiguration)
	}
	if a.Target == "" {
		return fmt.Errorf("%w: association %s missing target relation", ErrConfiguration, a.Name)
	}
	switch a.Kind {
	case AssociationBelongsTo, AssociationHasMany:
	default:
		return fmt.Errorf("%w: association %s has unknown kind %q", ErrConfiguration, a.Name, a.Kind)
	}
	if len(a.JoinKeys) == 0 {
		return fmt.Errorf("%w: association %s declares no join keys", ErrConfiguration, a.Name)
	}
	for _, pair := range a.JoinKeys {
		if pair.Source == "" || pair.Target == "" {
			return fmt.Errorf("%w: association %s has an incomplete join key pair", ErrConfiguration, a.Name)
		}
	}
	return nil
}
