package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/domain"
)

// FilterView is a named, pure filter function registered against a relation.
// Given the candidate key set it returns the query used to fetch matching
// rows, replacing the resolver's default IN filter.
type FilterView func(keys []any) domain.Query

// Registry maps logical source names to connection handles and holds the
// declared relation schemas, filter views, and mappers. Gateways and
// schemas are immutable after registration; reads may run concurrently.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.SugaredLogger
	gateways  map[string]Gateway
	relations map[string]domain.RelationSchema
	views     map[string]FilterView
	mappers   map[string]domain.MapperSet
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger:    logger,
		gateways:  make(map[string]Gateway),
		relations: make(map[string]domain.RelationSchema),
		views:     make(map[string]FilterView),
		mappers:   make(map[string]domain.MapperSet),
	}
}

// RegisterGateway binds a logical source name to a connection handle.
func (r *Registry) RegisterGateway(name string, gw Gateway) error {
	if name == "" {
		return fmt.Errorf("%w: gateway name is required", domain.ErrConfiguration)
	}
	if gw == nil {
		return fmt.Errorf("%w: gateway %s is nil", domain.ErrConfiguration, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.gateways[name]; dup {
		return fmt.Errorf("%w: gateway %s already registered", domain.ErrConfiguration, name)
	}
	r.gateways[name] = gw
	r.logger.Infow("registered gateway", "name", name, "kind", gw.Kind())
	return nil
}

// RegisterRelation declares a relation schema. The schema's own attributes
// and join-key source sides are validated here; target-side attributes are
// checked by Validate once all relations are declared.
func (r *Registry) RegisterRelation(schema domain.RelationSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[schema.Gateway]; !ok {
		return fmt.Errorf("%w: relation %s references unknown gateway %s",
			domain.ErrConfiguration, schema.Name, schema.Gateway)
	}
	if _, dup := r.relations[schema.Name]; dup {
		return fmt.Errorf("%w: relation %s already registered", domain.ErrConfiguration, schema.Name)
	}
	r.relations[schema.Name] = schema
	r.logger.Infow("registered relation", "name", schema.Name, "gateway", schema.Gateway,
		"attributes", len(schema.Attributes), "associations", len(schema.Associations))
	return nil
}

// RegisterView attaches a named filter view to a relation.
func (r *Registry) RegisterView(relation, name string, view FilterView) error {
	if relation == "" || name == "" || view == nil {
		return fmt.Errorf("%w: view registration requires relation, name, and function", domain.ErrConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.relations[relation]; !ok {
		return fmt.Errorf("%w: view %s references undeclared relation %s", domain.ErrConfiguration, name, relation)
	}
	key := viewKey(relation, name)
	if _, dup := r.views[key]; dup {
		return fmt.Errorf("%w: view %s already registered on relation %s", domain.ErrConfiguration, name, relation)
	}
	r.views[key] = view
	return nil
}

// RegisterMapper stores a named mapper set.
func (r *Registry) RegisterMapper(m domain.MapperSet) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.relations[m.Relation]; !ok {
		return fmt.Errorf("%w: mapper %s references undeclared relation %s",
			domain.ErrConfiguration, m.Name, m.Relation)
	}
	if _, dup := r.mappers[m.Name]; dup {
		return fmt.Errorf("%w: mapper %s already registered", domain.ErrConfiguration, m.Name)
	}
	r.mappers[m.Name] = m
	return nil
}

// Validate cross-checks every declared association: the target relation must
// exist and the join keys must be present in both endpoint schemas.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, schema := range r.relations {
		for _, assoc := range schema.Associations {
			target, ok := r.relations[assoc.Target]
			if !ok {
				return fmt.Errorf("%w: association %s on relation %s targets undeclared relation %s",
					domain.ErrConfiguration, assoc.Name, schema.Name, assoc.Target)
			}
			for _, pair := range assoc.JoinKeys {
				if !target.HasAttribute(pair.Target) {
					return fmt.Errorf("%w: association %s join attribute %s absent from relation %s",
						domain.ErrConfiguration, assoc.Name, pair.Target, target.Name)
				}
			}
			if assoc.View != "" {
				if _, ok := r.views[viewKey(assoc.Target, assoc.View)]; !ok {
					return fmt.Errorf("%w: association %s references unregistered view %s on relation %s",
						domain.ErrConfiguration, assoc.Name, assoc.View, assoc.Target)
				}
			}
		}
		if schema.AutoMapper != "" {
			if _, ok := r.mappers[schema.AutoMapper]; !ok {
				return fmt.Errorf("%w: relation %s references unregistered mapper %s",
					domain.ErrConfiguration, schema.Name, schema.AutoMapper)
			}
		}
	}
	return nil
}

// Gateway returns the named gateway.
func (r *Registry) Gateway(name string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[name]
	return gw, ok
}

// Relation returns the named relation schema.
func (r *Registry) Relation(name string) (domain.RelationSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.relations[name]
	return schema, ok
}

// Relations lists all declared relation schemas ordered by name.
func (r *Registry) Relations() []domain.RelationSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]domain.RelationSchema, 0, len(r.relations))
	for _, schema := range r.relations {
		schemas = append(schemas, schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// View returns the named filter view on a relation.
func (r *Registry) View(relation, name string) (FilterView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view, ok := r.views[viewKey(relation, name)]
	return view, ok
}

// Mapper returns the named mapper set.
func (r *Registry) Mapper(name string) (domain.MapperSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[name]
	return m, ok
}

// GatewayFor resolves the gateway hosting a relation.
func (r *Registry) GatewayFor(relation string) (Gateway, domain.RelationSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.relations[relation]
	if !ok {
		return nil, domain.RelationSchema{}, fmt.Errorf("%w: relation %s is not declared",
			domain.ErrUnresolvableAssociation, relation)
	}
	gw, ok := r.gateways[schema.Gateway]
	if !ok {
		return nil, domain.RelationSchema{}, fmt.Errorf("%w: relation %s bound to unknown gateway %s",
			domain.ErrUnresolvableAssociation, relation, schema.Gateway)
	}
	return gw, schema, nil
}

// Close shuts down every registered gateway connection.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, gw := range r.gateways {
		if err := gw.Close(ctx); err != nil {
			r.logger.Warnw("failed to close gateway", "name", name, "error", err)
		}
	}
}

func viewKey(relation, name string) string {
	return relation + "." + name
}
