package domain

import "errors"

var (
	// ErrConfiguration reports an invalid registration: unknown gateway,
	// duplicate relation, or an association referencing an undeclared
	// relation or attribute. Surfaced at setup time.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnresolvableAssociation reports a resolve-time failure: the
	// association targets an undeclared relation or a join key missing
	// from one of the endpoint schemas.
	ErrUnresolvableAssociation = errors.New("unresolvable association")

	// ErrMappingShapeMismatch reports a mapper rule referencing an
	// attribute absent from an input row.
	ErrMappingShapeMismatch = errors.New("mapping shape mismatch")
)
