package resolver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
	"github.com/rpattn/relcompose/internal/resolver"
)

// countingGateway records how many fetches each relation receives so tests
// can assert on round-trip counts.
type countingGateway struct {
	kind       gateway.Kind
	data       map[string][]domain.Record
	fetchCount map[string]int
}

func newCountingGateway() *countingGateway {
	return &countingGateway{
		kind:       gateway.KindMemory,
		data:       make(map[string][]domain.Record),
		fetchCount: make(map[string]int),
	}
}

func (g *countingGateway) Kind() gateway.Kind          { return g.kind }
func (g *countingGateway) Close(context.Context) error { return nil }

func (g *countingGateway) Fetch(_ context.Context, relation domain.RelationSchema, query domain.Query) ([]domain.Record, error) {
	g.fetchCount[relation.Name]++
	var matched []domain.Record
	for _, row := range g.data[relation.Name] {
		if rowMatches(row, query) {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

func rowMatches(row domain.Record, query domain.Query) bool {
	for attr, want := range query.Equals {
		if domain.Key(row[attr]) != domain.Key(want) {
			return false
		}
	}
	for attr, values := range query.In {
		found := false
		for _, candidate := range values {
			if domain.Key(row[attr]) == domain.Key(candidate) {
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

// joiningGateway adds native join support on top of the counting fake.
type joiningGateway struct {
	*countingGateway
	joinCount int
}

func (g *joiningGateway) FetchJoin(_ context.Context, spec gateway.JoinSpec) ([]gateway.JoinedRecord, error) {
	g.joinCount++
	var edges []gateway.JoinedRecord
	for _, parent := range g.data[spec.Parent.Name] {
		if !rowMatches(parent, domain.Query{In: spec.In}) {
			continue
		}
		for _, child := range g.data[spec.Child.Name] {
			match := true
			for _, pair := range spec.JoinKeys {
				if domain.Key(child[pair.Target]) != domain.Key(parent[pair.Source]) {
					match = false
					break
				}
			}
			if match {
				edges = append(edges, gateway.JoinedRecord{Parent: parent, Child: child})
			}
		}
	}
	return edges, nil
}

func relationSchemas() (domain.RelationSchema, domain.RelationSchema) {
	users := domain.RelationSchema{
		Name:         "users",
		Gateway:      "primary",
		KeyAttribute: "id",
		Attributes: []domain.AttributeDefinition{
			{Name: "id", Type: domain.AttributeInteger},
			{Name: "name", Type: domain.AttributeString},
		},
	}
	tasks := domain.RelationSchema{
		Name:         "tasks",
		Gateway:      "secondary",
		KeyAttribute: "id",
		Attributes: []domain.AttributeDefinition{
			{Name: "id", Type: domain.AttributeInteger},
			{Name: "user_id", Type: domain.AttributeInteger},
			{Name: "title", Type: domain.AttributeString},
		},
	}
	return users, tasks
}

func tasksAssociation() domain.Association {
	return domain.Association{
		Name:     "tasks",
		Source:   "users",
		Target:   "tasks",
		Kind:     domain.AssociationHasMany,
		JoinKeys: []domain.JoinKey{{Source: "id", Target: "user_id"}},
	}
}

func setupTwoGateways(t *testing.T) (*gateway.Registry, *countingGateway, *countingGateway) {
	t.Helper()
	registry := gateway.NewRegistry(zap.NewNop().Sugar())
	primary := newCountingGateway()
	secondary := newCountingGateway()
	require.NoError(t, registry.RegisterGateway("primary", primary))
	require.NoError(t, registry.RegisterGateway("secondary", secondary))
	users, tasks := relationSchemas()
	require.NoError(t, registry.RegisterRelation(users))
	require.NoError(t, registry.RegisterRelation(tasks))
	return registry, primary, secondary
}

func TestResolveTwoPhaseBatchesIntoOneFetch(t *testing.T) {
	registry, _, secondary := setupTwoGateways(t)
	secondary.data["tasks"] = []domain.Record{
		{"id": int64(1), "user_id": int64(1), "title": "be nice"},
		{"id": int64(2), "user_id": int64(1), "title": "be awesome"},
		{"id": int64(3), "user_id": int64(2), "title": "sleep well"},
		{"id": int64(4), "user_id": int64(9), "title": "unrelated"},
	}

	parents := []domain.Record{
		{"id": int64(1), "name": "Jane"},
		{"id": int64(2), "name": "Joe"},
		{"id": int64(3), "name": "Jade"},
	}

	res := resolver.New(registry, zap.NewNop().Sugar())
	resolved, err := res.Resolve(context.Background(), parents, tasksAssociation())
	require.NoError(t, err)

	require.Equal(t, 1, secondary.fetchCount["tasks"], "resolution must issue exactly one child fetch")
	require.Len(t, resolved.Children(), 3)

	jane := resolved.Group(parents[0])
	require.Len(t, jane, 2)
	require.Equal(t, "be nice", jane[0]["title"])

	joe := resolved.Group(parents[1])
	require.Len(t, joe, 1)

	jade := resolved.Group(parents[2])
	require.Empty(t, jade)
}

func TestResolveBelongsToFirstMatch(t *testing.T) {
	registry := gateway.NewRegistry(zap.NewNop().Sugar())
	primary := newCountingGateway()
	require.NoError(t, registry.RegisterGateway("primary", primary))
	require.NoError(t, registry.RegisterGateway("secondary", newCountingGateway()))

	users, tasks := relationSchemas()
	require.NoError(t, registry.RegisterRelation(users))
	require.NoError(t, registry.RegisterRelation(tasks))

	primary.data["users"] = []domain.Record{
		{"id": int64(1), "name": "Jane"},
	}

	assoc := domain.Association{
		Name:     "user",
		Source:   "tasks",
		Target:   "users",
		Kind:     domain.AssociationBelongsTo,
		JoinKeys: []domain.JoinKey{{Source: "user_id", Target: "id"}},
	}

	parents := []domain.Record{
		{"id": int64(10), "user_id": int64(1), "title": "be nice"},
		{"id": int64(11), "user_id": int64(7), "title": "orphaned"},
	}

	res := resolver.New(registry, zap.NewNop().Sugar())
	resolved, err := res.Resolve(context.Background(), parents, assoc)
	require.NoError(t, err)

	child, ok := resolved.First(parents[0])
	require.True(t, ok)
	require.Equal(t, "Jane", child["name"])

	_, ok = resolved.First(parents[1])
	require.False(t, ok, "unmatched parent must resolve to no child")
}

func TestResolveCompositeKeysFilterExactly(t *testing.T) {
	registry := gateway.NewRegistry(zap.NewNop().Sugar())
	gw := newCountingGateway()
	require.NoError(t, registry.RegisterGateway("primary", gw))
	require.NoError(t, registry.RegisterGateway("secondary", gw))

	orders := domain.RelationSchema{
		Name:         "orders",
		Gateway:      "primary",
		KeyAttribute: "id",
		Attributes: []domain.AttributeDefinition{
			{Name: "id", Type: domain.AttributeInteger},
			{Name: "region", Type: domain.AttributeString},
			{Name: "day", Type: domain.AttributeString},
		},
	}
	shipments := domain.RelationSchema{
		Name:         "shipments",
		Gateway:      "secondary",
		KeyAttribute: "id",
		Attributes: []domain.AttributeDefinition{
			{Name: "id", Type: domain.AttributeInteger},
			{Name: "region", Type: domain.AttributeString},
			{Name: "day", Type: domain.AttributeString},
		},
	}
	require.NoError(t, registry.RegisterRelation(orders))
	require.NoError(t, registry.RegisterRelation(shipments))

	// (east, mon) and (west, tue) are wanted; (east, tue) satisfies both
	// per-attribute IN filters but matches no parent pair exactly.
	gw.data["shipments"] = []domain.Record{
		{"id": int64(1), "region": "east", "day": "mon"},
		{"id": int64(2), "region": "east", "day": "tue"},
		{"id": int64(3), "region": "west", "day": "tue"},
	}

	assoc := domain.Association{
		Name:   "shipments",
		Source: "orders",
		Target: "shipments",
		Kind:   domain.AssociationHasMany,
		JoinKeys: []domain.JoinKey{
			{Source: "region", Target: "region"},
			{Source: "day", Target: "day"},
		},
	}

	parents := []domain.Record{
		{"id": int64(1), "region": "east", "day": "mon"},
		{"id": int64(2), "region": "west", "day": "tue"},
	}

	res := resolver.New(registry, zap.NewNop().Sugar())
	resolved, err := res.Resolve(context.Background(), parents, assoc)
	require.NoError(t, err)

	require.Len(t, resolved.Children(), 2)
	require.Len(t, resolved.Group(parents[0]), 1)
	require.Equal(t, int64(1), resolved.Group(parents[0])[0]["id"])
	require.Len(t, resolved.Group(parents[1]), 1)
	require.Equal(t, int64(3), resolved.Group(parents[1])[0]["id"])
}

func TestResolveAllNullKeysSkipsFetch(t *testing.T) {
	registry, _, secondary := setupTwoGateways(t)

	parents := []domain.Record{
		{"id": nil, "name": "no key"},
	}

	res := resolver.New(registry, zap.NewNop().Sugar())
	resolved, err := res.Resolve(context.Background(), parents, tasksAssociation())
	require.NoError(t, err)
	require.Empty(t, resolved.Children())
	require.Zero(t, secondary.fetchCount["tasks"], "null-keyed parents must not hit the gateway")
}

func TestResolveEmptyParents(t *testing.T) {
	registry, _, secondary := setupTwoGateways(t)

	res := resolver.New(registry, zap.NewNop().Sugar())
	resolved, err := res.Resolve(context.Background(), nil, tasksAssociation())
	require.NoError(t, err)
	require.Empty(t, resolved.Children())
	require.Zero(t, secondary.fetchCount["tasks"])
}

func TestResolveThroughRegisteredView(t *testing.T) {
	registry, _, secondary := setupTwoGateways(t)
	secondary.data["tasks"] = []domain.Record{
		{"id": int64(1), "user_id": int64(1), "title": "be nice"},
		{"id": int64(2), "user_id": int64(2), "title": "be awesome"},
	}

	require.NoError(t, registry.RegisterView("tasks", "for_users", func(keys []any) domain.Query {
		return domain.Query{In: map[string][]any{"user_id": keys}}
	}))

	assoc := tasksAssociation()
	assoc.View = "for_users"

	parents := []domain.Record{{"id": int64(1), "name": "Jane"}}

	res := resolver.New(registry, zap.NewNop().Sugar())
	resolved, err := res.Resolve(context.Background(), parents, assoc)
	require.NoError(t, err)
	require.Equal(t, 1, secondary.fetchCount["tasks"])
	require.Len(t, resolved.Group(parents[0]), 1)
}

func TestResolveUnregisteredViewFails(t *testing.T) {
	registry, _, _ := setupTwoGateways(t)
	assoc := tasksAssociation()
	assoc.View = "missing"

	res := resolver.New(registry, zap.NewNop().Sugar())
	_, err := res.Resolve(context.Background(), []domain.Record{{"id": int64(1)}}, assoc)
	require.ErrorIs(t, err, domain.ErrUnresolvableAssociation)
}

func TestResolveMissingJoinAttribute(t *testing.T) {
	registry, _, _ := setupTwoGateways(t)
	assoc := tasksAssociation()
	assoc.JoinKeys = []domain.JoinKey{{Source: "id", Target: "owner_id"}}

	res := resolver.New(registry, zap.NewNop().Sugar())
	_, err := res.Resolve(context.Background(), []domain.Record{{"id": int64(1)}}, assoc)
	require.True(t, errors.Is(err, domain.ErrUnresolvableAssociation))
}

func TestResolveNativeJoinSingleQuery(t *testing.T) {
	registry := gateway.NewRegistry(zap.NewNop().Sugar())
	gw := &joiningGateway{countingGateway: newCountingGateway()}
	require.NoError(t, registry.RegisterGateway("primary", gw))

	users, tasks := relationSchemas()
	tasks.Gateway = "primary"
	require.NoError(t, registry.RegisterRelation(users))
	require.NoError(t, registry.RegisterRelation(tasks))

	gw.data["users"] = []domain.Record{
		{"id": int64(1), "name": "Jane"},
		{"id": int64(2), "name": "Joe"},
	}
	gw.data["tasks"] = []domain.Record{
		{"id": int64(1), "user_id": int64(1), "title": "be nice"},
		{"id": int64(2), "user_id": int64(2), "title": "be awesome"},
	}

	parents := gw.data["users"]

	res := resolver.New(registry, zap.NewNop().Sugar())
	resolved, err := res.Resolve(context.Background(), parents, tasksAssociation())
	require.NoError(t, err)

	require.Equal(t, 1, gw.joinCount, "same-gateway association must use one native join")
	require.Zero(t, gw.fetchCount["tasks"], "native join must replace the two-phase fetch")
	require.Len(t, resolved.Children(), 2)
	require.Equal(t, "be nice", resolved.Group(parents[0])[0]["title"])
}
