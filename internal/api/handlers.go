package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/graph-gophers/dataloader"
	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/composer"
	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/export"
	"github.com/rpattn/relcompose/internal/gateway"
	"github.com/rpattn/relcompose/internal/ingestion"
	"github.com/rpattn/relcompose/internal/mapper"
	"github.com/rpattn/relcompose/internal/middleware"
)

// Server exposes the registry, composer, and supporting services over a
// JSON HTTP API.
type Server struct {
	registry  *gateway.Registry
	composer  *composer.Composer
	ingestion *ingestion.Service
	export    *export.Service
	logger    *zap.SugaredLogger
}

// NewServer wires the API over the given services.
func NewServer(
	registry *gateway.Registry,
	comp *composer.Composer,
	ing *ingestion.Service,
	exp *export.Service,
	logger *zap.SugaredLogger,
) *Server {
	return &Server{
		registry:  registry,
		composer:  comp,
		ingestion: ing,
		export:    exp,
		logger:    logger,
	}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /relations", s.handleRegisterRelation)
	mux.HandleFunc("GET /relations", s.handleListRelations)
	mux.HandleFunc("POST /mappers", s.handleRegisterMapper)
	mux.HandleFunc("POST /compose", s.handleCompose)
	mux.HandleFunc("POST /relations/{name}/ingest", s.handleIngest)
	mux.HandleFunc("GET /relations/{name}/records", s.handleRecordsByKey)
	mux.HandleFunc("POST /export", s.handleExport)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterRelation(w http.ResponseWriter, r *http.Request) {
	var schema domain.RelationSchema
	if err := decodeBody(r, &schema); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.RegisterRelation(schema); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, schema)
}

func (s *Server) handleListRelations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Relations())
}

func (s *Server) handleRegisterMapper(w http.ResponseWriter, r *http.Request) {
	var set domain.MapperSet
	if err := decodeBody(r, &set); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.RegisterMapper(set); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, set)
}

// composeRequest is the body of POST /compose.
type composeRequest struct {
	Root    domain.RelationQuery     `json:"root"`
	Tree    []domain.CompositionNode `json:"tree,omitempty"`
	Mapper  string                   `json:"mapper,omitempty"`
	Flatten bool                     `json:"flatten,omitempty"`
}

type composeResponse struct {
	Relation string          `json:"relation"`
	Count    int             `json:"count"`
	Rows     []domain.Record `json:"rows"`
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rows, err := s.composer.Compose(r.Context(), req.Root, req.Tree)
	if err != nil {
		writeError(w, err)
		return
	}

	// An explicit mapper wins over the relation's auto mapper.
	mapperName := req.Mapper
	if mapperName == "" {
		if schema, ok := s.registry.Relation(req.Root.Relation); ok {
			mapperName = schema.AutoMapper
		}
	}
	if mapperName != "" {
		set, ok := s.registry.Mapper(mapperName)
		if !ok {
			writeError(w, fmt.Errorf("%w: mapper %s is not registered", domain.ErrConfiguration, mapperName))
			return
		}
		rows, err = mapper.Apply(rows, set)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Flatten {
		rows = mapper.Flatten(rows)
	}

	writeJSON(w, http.StatusOK, composeResponse{
		Relation: req.Root.Relation,
		Count:    len(rows),
		Rows:     rows,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	relation := r.PathValue("name")

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	summary, err := s.ingestion.Ingest(r.Context(), ingestion.Request{
		Relation: relation,
		FileName: header.Filename,
		Data:     bytes.NewReader(data),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRecordsByKey looks up records by key attribute value through the
// request-scoped batching loader, so concurrent lookups against the same
// relation coalesce into one fetch.
func (s *Server) handleRecordsByKey(w http.ResponseWriter, r *http.Request) {
	relation := r.PathValue("name")
	raw := strings.TrimSpace(r.URL.Query().Get("keys"))
	if raw == "" {
		http.Error(w, "keys query parameter is required", http.StatusBadRequest)
		return
	}

	loaders := middleware.LoadersFromContext(r.Context())
	if loaders == nil {
		writeError(w, errors.New("loader middleware not installed"))
		return
	}
	ldr := loaders.For(relation)

	keys := strings.Split(raw, ",")
	thunks := make([]dataloader.Thunk, len(keys))
	for i, key := range keys {
		thunks[i] = ldr.Load(r.Context(), dataloader.StringKey(strings.TrimSpace(key)))
	}

	rows := make([]domain.Record, 0, len(keys))
	for _, thunk := range thunks {
		value, err := thunk()
		if err != nil {
			writeError(w, err)
			return
		}
		if row, ok := value.(domain.Record); ok && row != nil {
			rows = append(rows, row)
		}
	}
	writeJSON(w, http.StatusOK, composeResponse{Relation: relation, Count: len(rows), Rows: rows})
}

// exportRequest is the body of POST /export.
type exportRequest struct {
	Root   domain.RelationQuery     `json:"root"`
	Tree   []domain.CompositionNode `json:"tree,omitempty"`
	Mapper string                   `json:"mapper,omitempty"`
	Format string                   `json:"format,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	format := export.Format(strings.ToLower(req.Format))
	var buf bytes.Buffer
	if _, err := s.export.Export(r.Context(), export.Request{
		Root:   req.Root,
		Tree:   req.Tree,
		Mapper: req.Mapper,
		Format: format,
	}, &buf); err != nil {
		writeError(w, err)
		return
	}

	switch format {
	case export.FormatXLSX:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xlsx", req.Root.Relation))
	default:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", req.Root.Relation))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrConfiguration, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError maps the domain sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnresolvableAssociation):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrMappingShapeMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ingestion.ErrUnsupportedFormat), errors.Is(err, export.ErrUnsupportedFormat):
		status = http.StatusUnsupportedMediaType
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
