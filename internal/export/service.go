package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/composer"
	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
	"github.com/rpattn/relcompose/internal/mapper"
)

// Format selects the export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for formats the exporter cannot write.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Request describes one export: a root query, an optional composition
// tree, and an optional mapper applied before encoding.
type Request struct {
	Root   domain.RelationQuery
	Tree   []domain.CompositionNode
	Mapper string
	Format Format
}

// Service materializes a composition and streams it as a flat table.
// Embedded association values are JSON-encoded into their cell.
type Service struct {
	registry *gateway.Registry
	composer *composer.Composer
	logger   *zap.SugaredLogger
}

// NewService creates an export service.
func NewService(registry *gateway.Registry, comp *composer.Composer, logger *zap.SugaredLogger) *Service {
	return &Service{registry: registry, composer: comp, logger: logger}
}

// Export runs the composition, applies the mapper when named, and writes
// the rows to w in the requested format. Returns the emitted row count.
func (s *Service) Export(ctx context.Context, req Request, w io.Writer) (int, error) {
	rows, err := s.composer.Compose(ctx, req.Root, req.Tree)
	if err != nil {
		return 0, err
	}

	schema, ok := s.registry.Relation(req.Root.Relation)
	if !ok {
		return 0, fmt.Errorf("%w: relation %s is not registered",
			domain.ErrUnresolvableAssociation, req.Root.Relation)
	}

	if req.Mapper != "" {
		set, ok := s.registry.Mapper(req.Mapper)
		if !ok {
			return 0, fmt.Errorf("%w: mapper %s is not registered", domain.ErrConfiguration, req.Mapper)
		}
		rows, err = mapper.Apply(rows, set)
		if err != nil {
			return 0, err
		}
	}

	headers := columnOrder(schema, rows)

	switch req.Format {
	case FormatCSV, "":
		err = writeCSV(w, headers, rows)
	case FormatXLSX:
		err = writeXLSX(w, headers, rows)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if err != nil {
		return 0, err
	}

	s.logger.Infow("exported composition",
		"relation", req.Root.Relation,
		"rows", len(rows),
		"format", req.Format,
	)
	return len(rows), nil
}

// columnOrder keeps the declared attribute order first, then any extra
// attributes the mapper or composition introduced, sorted.
func columnOrder(schema domain.RelationSchema, rows []domain.Record) []string {
	seen := make(map[string]struct{})
	headers := make([]string, 0, len(schema.Attributes))
	for _, attr := range schema.Attributes {
		if rowsHave(rows, attr.Name) {
			headers = append(headers, attr.Name)
			seen[attr.Name] = struct{}{}
		}
	}

	extras := make([]string, 0)
	for _, row := range rows {
		for name := range row {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				extras = append(extras, name)
			}
		}
	}
	sort.Strings(extras)
	return append(headers, extras...)
}

func rowsHave(rows []domain.Record, attribute string) bool {
	for _, row := range rows {
		if _, ok := row[attribute]; ok {
			return true
		}
	}
	return false
}

func writeCSV(w io.Writer, headers []string, rows []domain.Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(headers))
	for _, row := range rows {
		for i, name := range headers {
			record[i] = formatValue(row[name])
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeXLSX(w io.Writer, headers []string, rows []domain.Record) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	header := make([]any, len(headers))
	for i, name := range headers {
		header[i] = name
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}

	for idx, row := range rows {
		cells := make([]any, len(headers))
		for i, name := range headers {
			cells[i] = formatValue(row[name])
		}
		cell, err := excelize.CoordinatesToCellName(1, idx+2)
		if err != nil {
			return fmt.Errorf("address xlsx row: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("write xlsx row: %w", err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("flush xlsx: %w", err)
	}
	return nil
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case domain.Record, []domain.Record, map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
