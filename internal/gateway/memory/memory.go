package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
)

// Gateway is an in-memory data source. It has no native join support, so
// cross-relation fetches against it always take the resolver's two-phase
// path. Safe for concurrent use.
type Gateway struct {
	mu   sync.RWMutex
	data map[string][]domain.Record
}

// New creates an empty in-memory gateway.
func New() *Gateway {
	return &Gateway{data: make(map[string][]domain.Record)}
}

// Kind implements gateway.Gateway.
func (g *Gateway) Kind() gateway.Kind {
	return gateway.KindMemory
}

// Close implements gateway.Gateway.
func (g *Gateway) Close(context.Context) error {
	return nil
}

// Insert appends rows to a relation's dataset.
func (g *Gateway) Insert(_ context.Context, relation domain.RelationSchema, rows []domain.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, row := range rows {
		g.data[relation.Name] = append(g.data[relation.Name], row.Clone())
	}
	return nil
}

// Fetch filters the relation's rows by the query and returns them ordered
// by the requested attribute, defaulting to the relation's key attribute.
func (g *Gateway) Fetch(_ context.Context, relation domain.RelationSchema, query domain.Query) ([]domain.Record, error) {
	g.mu.RLock()
	stored := g.data[relation.Name]
	g.mu.RUnlock()

	matched := make([]domain.Record, 0, len(stored))
	for _, row := range stored {
		if !matches(row, query) {
			continue
		}
		matched = append(matched, row.Clone())
	}

	orderBy := query.OrderBy
	if orderBy == "" {
		orderBy = relation.KeyAttribute
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return domain.Less(matched[i][orderBy], matched[j][orderBy])
	})

	return paginate(matched, query.Limit, query.Offset), nil
}

func matches(row domain.Record, query domain.Query) bool {
	for attr, want := range query.Equals {
		if domain.Key(row[attr]) != domain.Key(want) {
			return false
		}
	}
	for attr, values := range query.In {
		have := domain.Key(row[attr])
		found := false
		for _, candidate := range values {
			if have == domain.Key(candidate) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func paginate(rows []domain.Record, limit, offset int) []domain.Record {
	if offset > 0 {
		if offset >= len(rows) {
			return []domain.Record{}
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

