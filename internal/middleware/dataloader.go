package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/relcompose/internal/gateway"
	"github.com/rpattn/relcompose/internal/loader"
)

type ctxKey string

const loaderSetKey ctxKey = "recordLoaders"

// LoaderSet lazily builds one record loader per relation for the lifetime
// of a request, so repeated by-key lookups batch into one fetch each.
type LoaderSet struct {
	mu       sync.Mutex
	registry *gateway.Registry
	loaders  map[string]*loader.RecordLoader
}

// For returns the request-scoped loader for a relation.
func (s *LoaderSet) For(relation string) *dataloader.Loader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.loaders[relation]; ok {
		return existing.Loader
	}
	created := loader.NewRecordLoader(s.registry, relation)
	s.loaders[relation] = created
	return created.Loader
}

// DataLoaderMiddleware attaches a fresh loader set to each request context.
func DataLoaderMiddleware(registry *gateway.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			set := &LoaderSet{
				registry: registry,
				loaders:  make(map[string]*loader.RecordLoader),
			}
			ctx := context.WithValue(r.Context(), loaderSetKey, set)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoadersFromContext retrieves the request's loader set.
func LoadersFromContext(ctx context.Context) *LoaderSet {
	if s, ok := ctx.Value(loaderSetKey).(*LoaderSet); ok {
		return s
	}
	return nil
}
