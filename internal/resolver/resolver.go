package resolver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
)

// keySeparator joins the parts of a composite join key.
const keySeparator = "\x1f"

// Resolver fetches the matching rows of a target relation for a set of
// parent rows, in one gateway round trip per call. Stateless; safe for
// concurrent use.
type Resolver struct {
	registry *gateway.Registry
	logger   *zap.SugaredLogger
}

// New creates a resolver over the given registry.
func New(registry *gateway.Registry, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{registry: registry, logger: logger}
}

// Resolved holds the child rows of one association resolution grouped by
// parent join key. Child rows are shared, not copied, between the group
// index and the distinct list, so embedding the same child under several
// parents embeds one value.
type Resolved struct {
	association domain.Association
	children    []domain.Record
	groups      map[string][]domain.Record
}

// Children returns the distinct child rows in fetch order.
func (r *Resolved) Children() []domain.Record {
	return r.children
}

// Group returns the child rows matching one parent row, in fetch order.
func (r *Resolved) Group(parent domain.Record) []domain.Record {
	return r.groups[joinKeyOf(parent, r.association.JoinKeys, sourceSide)]
}

// First returns the first child matching one parent row, for belongs-to.
func (r *Resolved) First(parent domain.Record) (domain.Record, bool) {
	group := r.Group(parent)
	if len(group) == 0 {
		return nil, false
	}
	return group[0], true
}

// Resolve fetches the target rows for the given parents. Same-gateway
// associations on a join-capable adapter use one native join; everything
// else uses a two-phase fetch: extract the distinct key set, issue one
// filtered fetch, regroup by key. No parents means an empty result, not
// an error.
func (r *Resolver) Resolve(ctx context.Context, parents []domain.Record, assoc domain.Association) (*Resolved, error) {
	if err := assoc.Validate(); err != nil {
		return nil, err
	}

	parentGW, parentSchema, err := r.registry.GatewayFor(assoc.Source)
	if err != nil {
		return nil, err
	}
	childGW, childSchema, err := r.registry.GatewayFor(assoc.Target)
	if err != nil {
		return nil, err
	}
	for _, pair := range assoc.JoinKeys {
		if !parentSchema.HasAttribute(pair.Source) {
			return nil, fmt.Errorf("%w: association %s join attribute %s absent from relation %s",
				domain.ErrUnresolvableAssociation, assoc.Name, pair.Source, parentSchema.Name)
		}
		if !childSchema.HasAttribute(pair.Target) {
			return nil, fmt.Errorf("%w: association %s join attribute %s absent from relation %s",
				domain.ErrUnresolvableAssociation, assoc.Name, pair.Target, childSchema.Name)
		}
	}

	resolved := &Resolved{
		association: assoc,
		children:    []domain.Record{},
		groups:      make(map[string][]domain.Record),
	}
	if len(parents) == 0 {
		return resolved, nil
	}

	if joiner, ok := parentGW.(gateway.Joiner); ok &&
		parentSchema.Gateway == childSchema.Gateway && assoc.View == "" {
		return r.resolveNative(ctx, joiner, parents, assoc, parentSchema, childSchema, resolved)
	}
	return r.resolveTwoPhase(ctx, childGW, parents, assoc, childSchema, resolved)
}

func (r *Resolver) resolveNative(
	ctx context.Context,
	joiner gateway.Joiner,
	parents []domain.Record,
	assoc domain.Association,
	parentSchema, childSchema domain.RelationSchema,
	resolved *Resolved,
) (*Resolved, error) {
	in := make(map[string][]any, len(assoc.JoinKeys))
	for _, pair := range assoc.JoinKeys {
		_, values := domain.KeySet(parents, pair.Source)
		in[pair.Source] = values
	}

	edges, err := joiner.FetchJoin(ctx, gateway.JoinSpec{
		Parent:   parentSchema,
		Child:    childSchema,
		JoinKeys: assoc.JoinKeys,
		In:       in,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", assoc.Name, err)
	}

	// The join returns one edge per (parent, child) pair; the same child
	// may appear for several parents. Deduplicate on the child key so each
	// child materializes once.
	seen := make(map[string]domain.Record)
	for _, edge := range edges {
		childKey := domain.Key(edge.Child[childSchema.KeyAttribute])
		child, ok := seen[childKey]
		if !ok {
			child = edge.Child
			seen[childKey] = child
			resolved.children = append(resolved.children, child)
		}
		group := joinKeyOf(child, assoc.JoinKeys, targetSide)
		if !containsRecord(resolved.groups[group], child, childSchema.KeyAttribute) {
			resolved.groups[group] = append(resolved.groups[group], child)
		}
	}
	return resolved, nil
}

func (r *Resolver) resolveTwoPhase(
	ctx context.Context,
	childGW gateway.Gateway,
	parents []domain.Record,
	assoc domain.Association,
	childSchema domain.RelationSchema,
	resolved *Resolved,
) (*Resolved, error) {
	var query domain.Query
	if assoc.View != "" {
		view, ok := r.registry.View(assoc.Target, assoc.View)
		if !ok {
			return nil, fmt.Errorf("%w: association %s references unregistered view %s on relation %s",
				domain.ErrUnresolvableAssociation, assoc.Name, assoc.View, assoc.Target)
		}
		_, values := domain.KeySet(parents, assoc.JoinKeys[0].Source)
		query = view(values)
	} else {
		in := make(map[string][]any, len(assoc.JoinKeys))
		empty := false
		for _, pair := range assoc.JoinKeys {
			_, values := domain.KeySet(parents, pair.Source)
			if len(values) == 0 {
				empty = true
				break
			}
			in[pair.Target] = values
		}
		if empty {
			// Every parent carries a null key; nothing can match.
			return resolved, nil
		}
		query = domain.Query{In: in}
	}

	children, err := childGW.Fetch(ctx, childSchema, query)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", assoc.Name, err)
	}

	// Per-attribute IN filters are a superset for composite keys; the
	// regrouping below enforces the exact match.
	wanted := make(map[string]struct{}, len(parents))
	for _, parent := range parents {
		wanted[joinKeyOf(parent, assoc.JoinKeys, sourceSide)] = struct{}{}
	}
	for _, child := range children {
		group := joinKeyOf(child, assoc.JoinKeys, targetSide)
		if assoc.View == "" {
			if _, ok := wanted[group]; !ok {
				continue
			}
		}
		resolved.children = append(resolved.children, child)
		resolved.groups[group] = append(resolved.groups[group], child)
	}
	return resolved, nil
}

type joinSide int

const (
	sourceSide joinSide = iota
	targetSide
)

// joinKeyOf renders a row's composite join key in canonical form.
func joinKeyOf(row domain.Record, pairs []domain.JoinKey, side joinSide) string {
	parts := make([]string, len(pairs))
	for i, pair := range pairs {
		attr := pair.Source
		if side == targetSide {
			attr = pair.Target
		}
		parts[i] = domain.Key(row[attr])
	}
	return strings.Join(parts, keySeparator)
}

func containsRecord(group []domain.Record, child domain.Record, keyAttribute string) bool {
	key := domain.Key(child[keyAttribute])
	for _, existing := range group {
		if domain.Key(existing[keyAttribute]) == key {
			return true
		}
	}
	return false
}
