package mongodb

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rpattn/relcompose/internal/domain"
)

func TestBuildFilterIncludesCanonicalKeyForms(t *testing.T) {
	filter := buildFilter(domain.Query{
		In: map[string][]any{"user_id": {int64(1), "2"}},
	})
	if len(filter) != 1 {
		t.Fatalf("expected one filter element, got %d", len(filter))
	}

	clause, ok := filter[0].Value.(bson.D)
	if !ok {
		t.Fatalf("expected $in clause, got %T", filter[0].Value)
	}
	candidates, ok := clause[0].Value.([]any)
	if !ok {
		t.Fatalf("expected candidate slice, got %T", clause[0].Value)
	}

	// int64(1) carries its canonical "1" alongside; "2" is already canonical.
	want := []any{int64(1), "1", "2"}
	if len(candidates) != len(want) {
		t.Fatalf("unexpected candidates: %v", candidates)
	}
	for i := range want {
		if candidates[i] != want[i] {
			t.Fatalf("candidate %d = %v, want %v", i, candidates[i], want[i])
		}
	}
}

func TestBuildFilterEquals(t *testing.T) {
	filter := buildFilter(domain.Query{
		Equals: map[string]any{"region": "east"},
	})
	if len(filter) != 1 || filter[0].Key != "region" || filter[0].Value != "east" {
		t.Fatalf("unexpected filter: %v", filter)
	}
}

func TestBuildProjectionExcludesUndeclaredID(t *testing.T) {
	relation := domain.RelationSchema{
		Name:         "emails",
		Gateway:      "docs",
		KeyAttribute: "id",
		Attributes: []domain.AttributeDefinition{
			{Name: "id", Type: domain.AttributeInteger},
			{Name: "address", Type: domain.AttributeString},
		},
	}
	projection := buildProjection(relation)

	var sawIDExclusion bool
	for _, elem := range projection {
		if elem.Key == "_id" && elem.Value == 0 {
			sawIDExclusion = true
		}
	}
	if !sawIDExclusion {
		t.Fatalf("expected _id to be excluded, got %v", projection)
	}
}

func TestConvertValueFlattensDriverTypes(t *testing.T) {
	oid := primitive.NewObjectID()
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	doc := bson.M{
		"id":     oid,
		"at":     primitive.NewDateTimeFromTime(when),
		"tags":   primitive.A{"a", "b"},
		"nested": primitive.D{{Key: "k", Value: int32(1)}},
	}
	record := recordFromDocument(doc)

	if record["id"] != oid.Hex() {
		t.Fatalf("expected hex object id, got %v", record["id"])
	}
	if ts, ok := record["at"].(time.Time); !ok || !ts.Equal(when) {
		t.Fatalf("expected UTC time, got %v", record["at"])
	}
	tags, ok := record["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("expected flattened array, got %v", record["tags"])
	}
	nested, ok := record["nested"].(map[string]any)
	if !ok || nested["k"] != int32(1) {
		t.Fatalf("expected flattened document, got %v", record["nested"])
	}
}
