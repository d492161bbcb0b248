package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rpattn/relcompose/internal/domain"
	"github.com/rpattn/relcompose/internal/gateway"
)

// Gateway serves relations stored as one table per relation with one column
// per declared attribute. It supports native joins, so same-gateway
// associations resolve with a single join query over the candidate set.
type Gateway struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{pool: pool, logger: logger}
}

// Kind implements gateway.Gateway.
func (g *Gateway) Kind() gateway.Kind {
	return gateway.KindRelational
}

// Close implements gateway.Gateway.
func (g *Gateway) Close(context.Context) error {
	g.pool.Close()
	return nil
}

// Fetch runs one SELECT over the relation's table. IN filters compare
// through a text cast so key typing stays consistent across gateways.
func (g *Gateway) Fetch(ctx context.Context, relation domain.RelationSchema, query domain.Query) ([]domain.Record, error) {
	builder := newSQLBuilder()
	sql, err := buildSelect(relation, query, builder)
	if err != nil {
		return nil, err
	}

	rows, err := g.pool.Query(ctx, sql, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", relation.Name, err)
	}
	defer rows.Close()

	columns := attributeNames(relation)
	var result []domain.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", relation.Name, err)
		}
		result = append(result, recordFromValues(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", relation.Name, err)
	}
	return result, nil
}

// FetchJoin runs one join query pairing parent and child rows. The In filter
// restricts the parent side to the candidate key set.
func (g *Gateway) FetchJoin(ctx context.Context, spec gateway.JoinSpec) ([]gateway.JoinedRecord, error) {
	builder := newSQLBuilder()

	parentCols := attributeNames(spec.Parent)
	childCols := attributeNames(spec.Child)

	selects := make([]string, 0, len(parentCols)+len(childCols))
	for _, col := range parentCols {
		ident, err := quoteIdent(col)
		if err != nil {
			return nil, err
		}
		selects = append(selects, "p."+ident)
	}
	for _, col := range childCols {
		ident, err := quoteIdent(col)
		if err != nil {
			return nil, err
		}
		selects = append(selects, "c."+ident)
	}

	parentTable, err := quoteIdent(spec.Parent.Name)
	if err != nil {
		return nil, err
	}
	childTable, err := quoteIdent(spec.Child.Name)
	if err != nil {
		return nil, err
	}

	joinClauses := make([]string, 0, len(spec.JoinKeys))
	for _, pair := range spec.JoinKeys {
		source, err := quoteIdent(pair.Source)
		if err != nil {
			return nil, err
		}
		target, err := quoteIdent(pair.Target)
		if err != nil {
			return nil, err
		}
		joinClauses = append(joinClauses, fmt.Sprintf("c.%s::text = p.%s::text", target, source))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selects, ", "))
	sb.WriteString(fmt.Sprintf(" FROM %s c JOIN %s p ON ", childTable, parentTable))
	sb.WriteString(strings.Join(joinClauses, " AND "))

	whereClauses := make([]string, 0, len(spec.In))
	for attr, values := range spec.In {
		ident, err := quoteIdent(attr)
		if err != nil {
			return nil, err
		}
		idx := builder.addArg(keysAsText(values))
		whereClauses = append(whereClauses, fmt.Sprintf("p.%s::text = ANY(%s::text[])", ident, builder.placeholder(idx)))
	}
	if len(whereClauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(whereClauses, " AND "))
	}

	orderBy := spec.OrderBy
	if orderBy == "" {
		orderBy = spec.Child.KeyAttribute
	}
	orderIdent, err := quoteIdent(orderBy)
	if err != nil {
		return nil, err
	}
	sb.WriteString(fmt.Sprintf(" ORDER BY c.%s ASC", orderIdent))

	rows, err := g.pool.Query(ctx, sb.String(), builder.args...)
	if err != nil {
		return nil, fmt.Errorf("join %s to %s: %w", spec.Parent.Name, spec.Child.Name, err)
	}
	defer rows.Close()

	var edges []gateway.JoinedRecord
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan join row: %w", err)
		}
		if len(values) != len(parentCols)+len(childCols) {
			return nil, fmt.Errorf("join row has %d columns, expected %d", len(values), len(parentCols)+len(childCols))
		}
		edges = append(edges, gateway.JoinedRecord{
			Parent: recordFromValues(parentCols, values[:len(parentCols)]),
			Child:  recordFromValues(childCols, values[len(parentCols):]),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate join rows: %w", err)
	}
	return edges, nil
}

// Insert appends rows to the relation's table.
func (g *Gateway) Insert(ctx context.Context, relation domain.RelationSchema, rows []domain.Record) error {
	if len(rows) == 0 {
		return nil
	}
	columns := attributeNames(relation)
	idents := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		ident, err := quoteIdent(col)
		if err != nil {
			return err
		}
		idents[i] = ident
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	table, err := quoteIdent(relation.Name)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(idents, ", "), strings.Join(placeholders, ", "))

	for _, row := range rows {
		args := make([]any, len(columns))
		for i, col := range columns {
			args[i] = row[col]
		}
		if _, err := g.pool.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", relation.Name, err)
		}
	}
	return nil
}

// buildSelect renders the single-relation fetch query.
func buildSelect(relation domain.RelationSchema, query domain.Query, builder *sqlBuilder) (string, error) {
	columns := attributeNames(relation)
	idents := make([]string, len(columns))
	for i, col := range columns {
		ident, err := quoteIdent(col)
		if err != nil {
			return "", err
		}
		idents[i] = ident
	}
	table, err := quoteIdent(relation.Name)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(idents, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(table)

	var whereClauses []string
	for attr, value := range query.Equals {
		ident, err := quoteIdent(attr)
		if err != nil {
			return "", err
		}
		idx := builder.addArg(value)
		whereClauses = append(whereClauses, fmt.Sprintf("%s = %s", ident, builder.placeholder(idx)))
	}
	for attr, values := range query.In {
		ident, err := quoteIdent(attr)
		if err != nil {
			return "", err
		}
		idx := builder.addArg(keysAsText(values))
		whereClauses = append(whereClauses, fmt.Sprintf("%s::text = ANY(%s::text[])", ident, builder.placeholder(idx)))
	}
	if len(whereClauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(whereClauses, " AND "))
	}

	orderBy := query.OrderBy
	if orderBy == "" {
		orderBy = relation.KeyAttribute
	}
	orderIdent, err := quoteIdent(orderBy)
	if err != nil {
		return "", err
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(orderIdent)
	sb.WriteString(" ASC")

	if query.Limit > 0 {
		idx := builder.addArg(query.Limit)
		sb.WriteString(" LIMIT " + builder.placeholder(idx))
	}
	if query.Offset > 0 {
		idx := builder.addArg(query.Offset)
		sb.WriteString(" OFFSET " + builder.placeholder(idx))
	}
	return sb.String(), nil
}

func attributeNames(relation domain.RelationSchema) []string {
	names := make([]string, len(relation.Attributes))
	for i, attr := range relation.Attributes {
		names[i] = attr.Name
	}
	return names
}

func recordFromValues(columns []string, values []any) domain.Record {
	record := make(domain.Record, len(columns))
	for i, col := range columns {
		if i < len(values) {
			record[col] = values[i]
		}
	}
	return record
}

func keysAsText(values []any) []string {
	texts := make([]string, len(values))
	for i, value := range values {
		texts[i] = domain.Key(value)
	}
	return texts
}

func quoteIdent(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `"; `) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

type sqlBuilder struct {
	args []any
}

func newSQLBuilder() *sqlBuilder {
	return &sqlBuilder{args: make([]any, 0)}
}

func (b *sqlBuilder) addArg(value any) int {
	b.args = append(b.args, value)
	return len(b.args)
}

func (b *sqlBuilder) placeholder(idx int) string {
	return fmt.Sprintf("$%d", idx)
}
