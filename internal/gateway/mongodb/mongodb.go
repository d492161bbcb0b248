package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
)

// Gateway serves relations stored as one collection per relation. The
// document adapter has no join support; cross-relation fetches always take
// the resolver's two-phase path.
type Gateway struct {
	db     *mongo.Database
	logger *zap.SugaredLogger
}

// Connect dials the MongoDB deployment and verifies connectivity.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// New wraps an established client and database.
func New(client *mongo.Client, database string, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{db: client.Database(database), logger: logger}
}

// Kind implements gateway.Gateway.
func (g *Gateway) Kind() gateway.Kind {
	return gateway.KindDocument
}

// Close implements gateway.Gateway.
func (g *Gateway) Close(ctx context.Context) error {
	return g.db.Client().Disconnect(ctx)
}

// Fetch runs one find over the relation's collection, projecting only the
// declared attributes and ordering by the requested attribute.
func (g *Gateway) Fetch(ctx context.Context, relation domain.RelationSchema, query domain.Query) ([]domain.Record, error) {
	filter := buildFilter(query)

	orderBy := query.OrderBy
	if orderBy == "" {
		orderBy = relation.KeyAttribute
	}
	opts := options.Find().
		SetProjection(buildProjection(relation)).
		SetSort(bson.D{{Key: orderBy, Value: 1}})
	if query.Limit > 0 {
		opts.SetLimit(int64(query.Limit))
	}
	if query.Offset > 0 {
		opts.SetSkip(int64(query.Offset))
	}

	cursor, err := g.db.Collection(relation.Name).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", relation.Name, err)
	}
	defer cursor.Close(ctx)

	var result []domain.Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", relation.Name, err)
		}
		result = append(result, recordFromDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s cursor: %w", relation.Name, err)
	}
	return result, nil
}

// Insert appends documents to the relation's collection.
func (g *Gateway) Insert(ctx context.Context, relation domain.RelationSchema, rows []domain.Record) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]any, len(rows))
	for i, row := range rows {
		doc := make(bson.M, len(row))
		for k, v := range row {
			doc[k] = v
		}
		docs[i] = doc
	}
	if _, err := g.db.Collection(relation.Name).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert into %s: %w", relation.Name, err)
	}
	return nil
}

// buildFilter translates a query into a find filter. IN values are passed
// with both their raw and canonical string forms so keys written by a
// relational gateway still match documents storing them as strings.
func buildFilter(query domain.Query) bson.D {
	filter := bson.D{}
	for attr, value := range query.Equals {
		filter = append(filter, bson.E{Key: attr, Value: value})
	}
	for attr, values := range query.In {
		candidates := make([]any, 0, len(values)*2)
		seen := make(map[string]struct{}, len(values))
		for _, value := range values {
			candidates = append(candidates, value)
			key := domain.Key(value)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if s, ok := value.(string); !ok || s != key {
				candidates = append(candidates, key)
			}
		}
		filter = append(filter, bson.E{Key: attr, Value: bson.D{{Key: "$in", Value: candidates}}})
	}
	return filter
}

func buildProjection(relation domain.RelationSchema) bson.D {
	projection := bson.D{}
	includeID := false
	for _, attr := range relation.Attributes {
		if attr.Name == "_id" {
			includeID = true
			continue
		}
		projection = append(projection, bson.E{Key: attr.Name, Value: 1})
	}
	if !includeID {
		projection = append(projection, bson.E{Key: "_id", Value: 0})
	}
	return projection
}

func recordFromDocument(doc bson.M) domain.Record {
	record := make(domain.Record, len(doc))
	for k, v := range doc {
		record[k] = convertValue(v)
	}
	return record
}

// convertValue flattens bson driver types into the plain forms records use.
func convertValue(value any) any {
	switch v := value.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC()
	case primitive.A:
		converted := make([]any, len(v))
		for i, item := range v {
			converted[i] = convertValue(item)
		}
		return converted
	case primitive.M:
		converted := make(map[string]any, len(v))
		for k, item := range v {
			converted[k] = convertValue(item)
		}
		return converted
	case primitive.D:
		converted := make(map[string]any, len(v))
		for _, elem := range v {
			converted[elem.Key] = convertValue(elem.Value)
		}
		return converted
	case primitive.Decimal128:
		return v.String()
	default:
		return value
	}
}
