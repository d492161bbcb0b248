package loader

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
)

// RecordLoader batches individual record-by-key lookups against one
// relation into a single gateway fetch.
type RecordLoader struct {
	Loader *dataloader.Loader
}

// NewRecordLoader builds a batched loader keyed on the relation's canonical
// key attribute values.
func NewRecordLoader(registry *gateway.Registry, relation string) *RecordLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		gw, schema, err := registry.GatewayFor(relation)
		if err != nil {
			return failAll(keys, err)
		}

		values := make([]any, len(keys))
		for i, key := range keys {
			values[i] = key.String()
		}

		rows, err := gw.Fetch(ctx, schema, domain.Query{
			In: map[string][]any{schema.KeyAttribute: values},
		})
		if err != nil {
			return failAll(keys, err)
		}

		// Index by canonical key for ordering against the request keys.
		index := make(map[string]domain.Record, len(rows))
		for _, row := range rows {
			index[domain.Key(row[schema.KeyAttribute])] = row
		}

		results := make([]*dataloader.Result, len(keys))
		for i, key := range keys {
			if row, ok := index[key.String()]; ok {
				results[i] = &dataloader.Result{Data: row}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	return &RecordLoader{
		Loader: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond)),
	}
}

func failAll(keys dataloader.Keys, err error) []*dataloader.Result {
	results := make([]*dataloader.Result, len(keys))
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}
