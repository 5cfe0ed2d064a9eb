package mapper

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Dialect selects placeholder syntax and identifier casing
type Dialect int

const (
	// Postgres uses $1..$n placeholders and lower-case identifiers
	Postgres Dialect = iota
	// Firebird uses ? placeholders and upper-case identifiers
	Firebird
)

// Condition is a single "column = value" or "column IN (values)" predicate
type Condition struct {
	Column string
	Value  any
	In     []any
}

// SQLBuilder translates column maps into dialect-specific SQL
type SQLBuilder struct {
	dialect Dialect
}

// NewSQLBuilder initializes a new mapper instance
func NewSQLBuilder(d Dialect) *SQLBuilder {
	return &SQLBuilder{dialect: d}
}

// BuildInsert generates an INSERT statement with deterministic column order
func (b *SQLBuilder) BuildInsert(tableName string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for insert on table %s", tableName)
	}

	var columns []string
	var placeholders []string
	var args []any

	for _, k := range sortedKeys(data) {
		columns = append(columns, b.ident(k))
		args = append(args, b.formatValue(data[k]))
		placeholders = append(placeholders, b.placeholder(len(args)))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		b.ident(tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return query, args, nil
}

// BuildUpdate generates an UPDATE statement keyed by the primary key plus optional extra conditions.
// Only the columns present in data are touched
func (b *SQLBuilder) BuildUpdate(tableName string, pkColumn string, pkValue any, data map[string]any, extra ...Condition) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for update on table %s", tableName)
	}

	var setClauses []string
	var args []any

	for _, k := range sortedKeys(data) {
		// The PK is never part of the SET clause
		if strings.EqualFold(k, pkColumn) {
			continue
		}
		args = append(args, b.formatValue(data[k]))
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", b.ident(k), b.placeholder(len(args))))
	}
	if len(setClauses) == 0 {
		return "", nil, fmt.Errorf("no updatable columns for table %s", tableName)
	}

	conds := append([]Condition{{Column: pkColumn, Value: pkValue}}, extra...)
	where, args := b.buildWhere(conds, args)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s",
		b.ident(tableName),
		strings.Join(setClauses, ", "),
		where,
	)

	return query, args, nil
}

// BuildSelect generates a SELECT of the given columns filtered by equality conditions
func (b *SQLBuilder) BuildSelect(tableName string, columns []string, conds []Condition, orderBy string, limit int) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns requested from table %s", tableName)
	}

	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = b.ident(c)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if limit > 0 && b.dialect == Firebird {
		sb.WriteString(fmt.Sprintf("FIRST %d ", limit))
	}
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.ident(tableName))

	var args []any
	if len(conds) > 0 {
		var where string
		where, args = b.buildWhere(conds, nil)
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	if orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.ident(orderBy))
	}
	if limit > 0 && b.dialect == Postgres {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}

	return sb.String(), args, nil
}

func (b *SQLBuilder) buildWhere(conds []Condition, args []any) (string, []any) {
	clauses := make([]string, 0, len(conds))
	for _, c := range conds {
		if c.In != nil {
			ph := make([]string, 0, len(c.In))
			for _, v := range c.In {
				args = append(args, b.formatValue(v))
				ph = append(ph, b.placeholder(len(args)))
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", b.ident(c.Column), strings.Join(ph, ", ")))
			continue
		}
		args = append(args, b.formatValue(c.Value))
		clauses = append(clauses, fmt.Sprintf("%s = %s", b.ident(c.Column), b.placeholder(len(args))))
	}
	return strings.Join(clauses, " AND "), args
}

func (b *SQLBuilder) placeholder(n int) string {
	if b.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (b *SQLBuilder) ident(name string) string {
	if b.dialect == Firebird {
		// Firebird folds unquoted identifiers to upper case
		return strings.ToUpper(name)
	}
	return strings.ToLower(name)
}

// formatValue handles type conversion for dialect specificities
func (b *SQLBuilder) formatValue(v any) any {
	if b.dialect != Firebird {
		return v
	}
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case time.Time:
		return val.UTC().Format("2006-01-02 15:04:05")
	default:
		return val
	}
}

func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
