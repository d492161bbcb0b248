package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
	"github.com/rpattn/relcompose/pkg/validator"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006/01/02",
		"01/02/2006",
	}
)

// Service loads tabular uploads into a registered relation through its
// gateway's writer.
type Service struct {
	registry  *gateway.Registry
	validator *validator.RecordValidator
	logger    *zap.SugaredLogger
}

// NewService creates an ingestion service over the registry.
func NewService(registry *gateway.Registry, logger *zap.SugaredLogger) *Service {
	return &Service{
		registry:  registry,
		validator: validator.NewRecordValidator(),
		logger:    logger,
	}
}

// Request describes one upload.
type Request struct {
	Relation string
	FileName string
	Data     io.Reader
}

// RowError reports one rejected row.
type RowError struct {
	RowNumber int    `json:"rowNumber"`
	Message   string `json:"message"`
}

// Summary reports ingestion metrics back to the caller.
type Summary struct {
	Relation    string     `json:"relation"`
	TotalRows   int        `json:"totalRows"`
	ValidRows   int        `json:"validRows"`
	InvalidRows int        `json:"invalidRows"`
	RowErrors   []RowError `json:"rowErrors,omitempty"`
}

type tableData struct {
	headers []string
	rows    [][]string
}

// Ingest parses the upload, coerces each cell to its declared attribute
// type, and inserts the valid rows in one batch. Rows that fail coercion
// are reported, not fatal; a missing key attribute rejects the row.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{Relation: req.Relation, RowErrors: []RowError{}}

	if strings.TrimSpace(req.Relation) == "" {
		return summary, fmt.Errorf("%w: relation name is required", domain.ErrConfiguration)
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}

	gw, schema, err := s.registry.GatewayFor(req.Relation)
	if err != nil {
		return summary, err
	}
	writer, ok := gw.(gateway.Writer)
	if !ok {
		return summary, fmt.Errorf("%w: gateway %s does not accept writes", domain.ErrConfiguration, schema.Gateway)
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload)
	if err != nil {
		return summary, err
	}
	if len(table.headers) == 0 {
		return summary, errors.New("no header row detected")
	}

	summary.TotalRows = len(table.rows)

	columns := mapColumns(table.headers, schema)
	records := make([]domain.Record, 0, len(table.rows))
	for idx, row := range table.rows {
		record, rowErr := buildRecord(schema, columns, row)
		if rowErr == nil {
			if validation := s.validator.ValidateRecord(record, schema); !validation.IsValid {
				rowErr = errors.New(validation.Errors[0].Message)
			}
		}
		if rowErr != nil {
			summary.InvalidRows++
			summary.RowErrors = append(summary.RowErrors, RowError{
				RowNumber: idx + 2, // one-based, after the header
				Message:   rowErr.Error(),
			})
			continue
		}
		records = append(records, record)
	}

	if len(records) > 0 {
		if err := writer.Insert(ctx, schema, records); err != nil {
			return summary, fmt.Errorf("insert into %s: %w", schema.Name, err)
		}
	}
	summary.ValidRows = len(records)

	s.logger.Infow("ingested upload",
		"relation", schema.Name,
		"file", req.FileName,
		"total", summary.TotalRows,
		"valid", summary.ValidRows,
		"invalid", summary.InvalidRows,
	)
	return summary, nil
}

// mapColumns pairs each header with its declared attribute, skipping
// columns the schema does not know.
func mapColumns(headers []string, schema domain.RelationSchema) []*domain.AttributeDefinition {
	columns := make([]*domain.AttributeDefinition, len(headers))
	for i, header := range headers {
		if attr, ok := schema.Attribute(header); ok {
			def := attr
			columns[i] = &def
		}
	}
	return columns
}

func buildRecord(schema domain.RelationSchema, columns []*domain.AttributeDefinition, row []string) (domain.Record, error) {
	record := make(domain.Record, len(columns))
	for i, attr := range columns {
		if attr == nil || i >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[i])
		if raw == "" {
			continue
		}
		value, err := coerceValue(attr.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", attr.Name, err)
		}
		record[attr.Name] = value
	}
	if _, ok := record[schema.KeyAttribute]; !ok {
		return nil, fmt.Errorf("key attribute %s is missing", schema.KeyAttribute)
	}
	return record, nil
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

func normalizeTable(records [][]string) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	for _, row := range records {
		if len(cleanRow(row)) == 0 {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, row)
	}
	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}
	return tableData{headers: headers, rows: dataRows}, nil
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)
	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}
		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1
		headers[idx] = strings.ToLower(name)
	}
	return headers
}

func padRow(row []string, width int) []string {
	if len(row) >= width {
		return row
	}
	padded := make([]string, width)
	copy(padded, row)
	return padded
}

func coerceValue(attrType domain.AttributeType, raw string) (any, error) {
	switch attrType {
	case domain.AttributeString:
		return raw, nil
	case domain.AttributeInteger:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case domain.AttributeFloat:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to float", raw)
	case domain.AttributeBoolean:
		value := strings.ToLower(strings.TrimSpace(raw))
		switch value {
		case "1", "yes", "y":
			return true, nil
		case "0", "no", "n":
			return false, nil
		}
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return boolVal, nil
	case domain.AttributeTimestamp:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
		}
		return ts, nil
	case domain.AttributeJSON:
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid json payload: %w", err)
		}
		return out, nil
	default:
		return raw, nil
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
