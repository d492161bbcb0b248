package domain

// Query narrows a relation fetch. Gateways translate it to their native
// filtering; ordering defaults to the relation's key attribute ascending.
type Query struct {
	Equals  map[string]any   `json:"equals,omitempty"`
	In      map[string][]any `json:"in,omitempty"`
	OrderBy string           `json:"order_by,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Offset  int              `json:"offset,omitempty"`
}

// RelationQuery selects the root rows of a composition.
type RelationQuery struct {
	Relation string `json:"relation"`
	Query    Query  `json:"query"`
}

// CompositionNode names an association to embed plus the grandchildren to
// compose against the child row set. Built per request, plain data,
// interpreted by one recursive executor.
type CompositionNode struct {
	Association string            `json:"association"`
	Children    []CompositionNode `json:"children,omitempty"`
}
