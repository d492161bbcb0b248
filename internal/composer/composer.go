package composer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
	"github.com/rpattn/relcompose/internal/resolver"
)

// Composer walks a requested nesting tree and materializes each level by
// invoking the association resolver against the full row set of the level
// above. Exactly one resolver fetch happens per (relation, association)
// pair per Compose call, independent of row counts.
type Composer struct {
	registry *gateway.Registry
	resolver *resolver.Resolver
	logger   *zap.SugaredLogger
}

// New creates a composer over the given registry and resolver.
func New(registry *gateway.Registry, res *resolver.Resolver, logger *zap.SugaredLogger) *Composer {
	return &Composer{registry: registry, resolver: res, logger: logger}
}

// Compose fetches the root rows and embeds each requested association
// depth-first. Has-many associations embed an array (empty when unmatched);
// belongs-to associations embed a single record, or an explicit nil when no
// child matches. A failure anywhere in the tree aborts the composition.
func (c *Composer) Compose(ctx context.Context, root domain.RelationQuery, tree []domain.CompositionNode) ([]domain.Record, error) {
	gw, schema, err := c.registry.GatewayFor(root.Relation)
	if err != nil {
		return nil, err
	}
	rows, err := gw.Fetch(ctx, schema, root.Query)
	if err != nil {
		return nil, fmt.Errorf("fetch root relation %s: %w", root.Relation, err)
	}
	if rows == nil {
		rows = []domain.Record{}
	}
	if err := c.embed(ctx, schema, rows, tree); err != nil {
		return nil, err
	}
	return rows, nil
}

// embed resolves each requested child association against the full parent
// row set, composes grandchildren against the child set, then attaches the
// grouped children under the association name.
func (c *Composer) embed(ctx context.Context, schema domain.RelationSchema, rows []domain.Record, nodes []domain.CompositionNode) error {
	for _, node := range nodes {
		assoc, ok := schema.AssociationByName(node.Association)
		if !ok {
			return fmt.Errorf("%w: relation %s declares no association %s",
				domain.ErrUnresolvableAssociation, schema.Name, node.Association)
		}

		resolved, err := c.resolver.Resolve(ctx, rows, assoc)
		if err != nil {
			return err
		}

		if len(node.Children) > 0 {
			_, childSchema, err := c.registry.GatewayFor(assoc.Target)
			if err != nil {
				return err
			}
			if err := c.embed(ctx, childSchema, resolved.Children(), node.Children); err != nil {
				return err
			}
		}

		for _, row := range rows {
			switch assoc.Kind {
			case domain.AssociationHasMany:
				group := resolved.Group(row)
				if group == nil {
					group = []domain.Record{}
				}
				row[assoc.Name] = group
			case domain.AssociationBelongsTo:
				if child, ok := resolved.First(row); ok {
					row[assoc.Name] = child
				} else {
					row[assoc.Name] = nil
				}
			}
		}
	}
	return nil
}
