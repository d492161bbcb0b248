package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/composer"
	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/export"
	"github.com/rpattn/relcompose/internal/gateway"
	"github.com/rpattn/relcompose/internal/gateway/memory"
	"github.com/rpattn/relcompose/internal/ingestion"
	"github.com/rpattn/relcompose/internal/middleware"
	"github.com/rpattn/relcompose/internal/resolver"
)

type testEnv struct {
	registry *gateway.Registry
	gw       *memory.Gateway
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	registry := gateway.NewRegistry(logger)
	gw := memory.New()
	require.NoError(t, registry.RegisterGateway("memory", gw))

	res := resolver.New(registry, logger)
	comp := composer.New(registry, res, logger)
	ing := ingestion.NewService(registry, logger)
	exp := export.NewService(registry, comp, logger)
	server := NewServer(registry, comp, ing, exp, logger)

	return &testEnv{
		registry: registry,
		gw:       gw,
		handler:  middleware.DataLoaderMiddleware(registry)(server.Routes()),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) registerFixtures(t *testing.T) {
	t.Helper()
	users := domain.RelationSchema{
		Name:         "users",
		Gateway:      "memory",
		KeyAttribute: "id",
		Attributes: []domain.AttributeDefinition{
			{Name: "id", Type: domain.AttributeInteger},
			{Name: "name", Type: domain.AttributeString},
		},
		Associations: []domain.Association{
			{
				Name:     "tasks",
				Source:   "users",
				Target:   "tasks",
				Kind:     domain.AssociationHasMany,
				JoinKeys: []domain.JoinKey{{Source: "id", Target: "user_id"}},
			},
		},
	}
	tasks := domain.RelationSchema{
		Name:         "tasks",
		Gateway:      "memory",
		KeyAttribute: "id",
		Attributes: []domain.AttributeDefinition{
			{Name: "id", Type: domain.AttributeInteger},
			{Name: "user_id", Type: domain.AttributeInteger},
			{Name: "title", Type: domain.AttributeString},
		},
	}
	rec := e.do(t, http.MethodPost, "/relations", users)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodPost, "/relations", tasks)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ctx := context.Background()
	require.NoError(t, e.gw.Insert(ctx, users, []domain.Record{
		{"id": int64(1), "name": "Jane"},
		{"id": int64(2), "name": "Joe"},
	}))
	require.NoError(t, e.gw.Insert(ctx, tasks, []domain.Record{
		{"id": int64(1), "user_id": int64(1), "title": "be nice"},
	}))
}

func TestRegisterAndListRelations(t *testing.T) {
	env := newTestEnv(t)
	env.registerFixtures(t)

	rec := env.do(t, http.MethodGet, "/relations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var schemas []domain.RelationSchema
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schemas))
	require.Len(t, schemas, 2)
	require.Equal(t, "tasks", schemas[0].Name)
	require.Equal(t, "users", schemas[1].Name)
}

func TestRegisterRelationValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/relations", domain.RelationSchema{Name: "broken"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "error")
}

func TestComposeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerFixtures(t)

	rec := env.do(t, http.MethodPost, "/compose", composeRequest{
		Root: domain.RelationQuery{Relation: "users"},
		Tree: []domain.CompositionNode{{Association: "tasks"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp composeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)

	tasks, ok := resp.Rows[0]["tasks"].([]any)
	require.True(t, ok, "has-many must serialize as an array")
	require.Len(t, tasks, 1)

	empty, ok := resp.Rows[1]["tasks"].([]any)
	require.True(t, ok)
	require.Empty(t, empty)
}

func TestComposeWithMapper(t *testing.T) {
	env := newTestEnv(t)
	env.registerFixtures(t)

	rec := env.do(t, http.MethodPost, "/mappers", domain.MapperSet{
		Name:     "public_users",
		Relation: "users",
		Rules:    []domain.MapperRule{{Attribute: "name", RenameTo: "full_name"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/compose", composeRequest{
		Root:   domain.RelationQuery{Relation: "users"},
		Mapper: "public_users",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp composeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Rows[0], "full_name")
	require.NotContains(t, resp.Rows[0], "name")
}

func TestComposeUnknownRelationIs404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/compose", composeRequest{
		Root: domain.RelationQuery{Relation: "ghosts"},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordsByKeyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerFixtures(t)

	rec := env.do(t, http.MethodGet, "/relations/users/records?keys=2,1,99", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp composeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count, "missing keys are dropped, not errors")
	require.Equal(t, "Joe", resp.Rows[0]["name"])
	require.Equal(t, "Jane", resp.Rows[1]["name"])
}

func TestIngestEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerFixtures(t)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "users.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("id,name\n3,Jade\n"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/relations/users/ingest", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary ingestion.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, 1, summary.ValidRows)
}

func TestExportEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerFixtures(t)

	rec := env.do(t, http.MethodPost, "/export", exportRequest{
		Root:   domain.RelationQuery{Relation: "users"},
		Format: "csv",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(rec.Body.String(), "id,name"))
}

func TestMalformedBodyIs400(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/compose", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
