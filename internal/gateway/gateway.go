package gateway

import (
	"context"

	"github.com/rpattn/relcompose/internal/domain"
)

// Kind identifies a gateway's adapter family.
type Kind string

const (
	KindRelational Kind = "relational"
	KindDocument   Kind = "document"
	KindMemory     Kind = "memory"
)

// Gateway is a registered connection to one data source. The composition
// core depends only on this narrow fetch contract; query generation is the
// adapter's responsibility. Implementations must be safe for concurrent use.
type Gateway interface {
	Kind() Kind
	Fetch(ctx context.Context, relation domain.RelationSchema, query domain.Query) ([]domain.Record, error)
	Close(ctx context.Context) error
}

// Writer is implemented by gateways that accept row inserts. The ingestion
// service uses it to seed relations from tabular files.
type Writer interface {
	Insert(ctx context.Context, relation domain.RelationSchema, rows []domain.Record) error
}

// JoinSpec describes a native join between two relations hosted on the same
// gateway. The In filter restricts the parent side to the candidate key set.
type JoinSpec struct {
	Parent   domain.RelationSchema
	Child    domain.RelationSchema
	JoinKeys []domain.JoinKey
	In       map[string][]any
	OrderBy  string
}

// JoinedRecord pairs one parent row with one matching child row.
type JoinedRecord struct {
	Parent domain.Record
	Child  domain.Record
}

// Joiner is implemented by gateways capable of native joins. Same-gateway
// associations route through it with a single query over the candidate set.
type Joiner interface {
	FetchJoin(ctx context.Context, spec JoinSpec) ([]JoinedRecord, error)
}
