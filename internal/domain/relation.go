package domain

import "fmt"

// AttributeType represents the declared type of a relation attribute
type AttributeType string

const (
	AttributeString    AttributeType = "string"
	AttributeInteger   AttributeType = "integer"
	AttributeFloat     AttributeType = "float"
	AttributeBoolean   AttributeType = "boolean"
	AttributeTimestamp AttributeType = "timestamp"
	AttributeJSON      AttributeType = "json"
)

// AttributeDefinition represents one attribute in a relation schema
type AttributeDefinition struct {
	Name     string        `json:"name"`
	Type     AttributeType `json:"type"`
	Nullable bool          `json:"nullable"`
}

// RelationSchema is a named, schema-typed view over one gateway's dataset.
type RelationSchema struct {
	Name         string                `json:"name"`
	Gateway      string                `json:"gateway"`
	KeyAttribute string                `json:"key_attribute"`
	Attributes   []AttributeDefinition `json:"attributes"`
	Associations []Association         `json:"associations,omitempty"`
	// AutoMapper names a registered mapper applied to every composition
	// rooted at this relation. Optional.
	AutoMapper string `json:"auto_mapper,omitempty"`
}

// Attribute returns the named attribute definition.
func (s RelationSchema) Attribute(name string) (AttributeDefinition, bool) {
	for _, attr := range s.Attributes {
		if attr.Name == name {
			return attr, true
		}
	}
	return AttributeDefinition{}, false
}

// HasAttribute reports whether the schema declares the named attribute.
func (s RelationSchema) HasAttribute(name string) bool {
	_, ok := s.Attribute(name)
	return ok
}

// AssociationByName returns the declared association with the given name.
func (s RelationSchema) AssociationByName(name string) (Association, bool) {
	for _, assoc := range s.Associations {
		if assoc.Name == name {
			return assoc, true
		}
	}
	return Association{}, false
}

// Validate checks internal consistency. Cross-relation checks (association
// targets, join attributes on the far side) happen at registration, where
// the registry can see both endpoint schemas.
func (s RelationSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: relation name is required", ErrConfiguration)
	}
	if s.Gateway == "" {
		return fmt.Errorf("%w: relation %s missing gateway", ErrConfiguration, s.Name)
	}
	if len(s.Attributes) == 0 {
		return fmt.Errorf("%w: relation %s declares no attributes", ErrConfiguration, s.Name)
	}
	seen := make(map[string]struct{}, len(s.Attributes))
	for _, attr := range s.Attributes {
		if attr.Name == "" {
			return fmt.Errorf("%w: relation %s has an unnamed attribute", ErrConfiguration, s.Name)
		}
		if _, dup := seen[attr.Name]; dup {
			return fmt.Errorf("%w: relation %s declares attribute %s twice", ErrConfiguration, s.Name, attr.Name)
		}
		seen[attr.Name] = struct{}{}
	}
	if s.KeyAttribute == "" {
		return fmt.Errorf("%w: relation %s missing key attribute", ErrConfiguration, s.Name)
	}
	if !s.HasAttribute(s.KeyAttribute) {
		return fmt.Errorf("%w: relation %s key attribute %s not declared", ErrConfiguration, s.Name, s.KeyAttribute)
	}
	for _, assoc := range s.Associations {
		if err := assoc.Validate(); err != nil {
			return err
		}
		for _, pair := range assoc.JoinKeys {
			if !s.HasAttribute(pair.Source) {
				return fmt.Errorf("%w: association %s references attribute %s absent from relation %s",
					ErrConfiguration, assoc.Name, pair.Source, s.Name)
			}
		}
	}
	return nil
}
