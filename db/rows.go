package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Row is one result row keyed by column name. Scalar values are normalized
// at the adapter boundary so callers see identical types regardless of
// backend: []byte becomes string, integers become int64, floats float64.
// Backend-specific representations of booleans and timestamps are coerced
// by the typed accessors.
type Row map[string]any

// timeLayouts are the textual timestamp forms SQLite produces.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
}

// String returns the column as a string. Missing or NULL columns yield "".
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int64 returns the column as an int64. Non-numeric values yield 0.
func (r Row) Int64(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	}
	return 0
}

// Float64 returns the column as a float64. Non-numeric values yield 0.
func (r Row) Float64(column string) float64 {
	switch v := r[column].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Bool returns the column as a bool. PostgreSQL delivers native booleans;
// SQLite delivers 0/1 integers. Both coerce here.
func (r Row) Bool(column string) bool {
	switch v := r[column].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		return v == "true" || v == "t" || v == "1"
	}
	return false
}

// Time returns the column as a time.Time. PostgreSQL delivers native
// timestamps; SQLite delivers text, parsed against known layouts.
// Unparseable values yield the zero time.
func (r Row) Time(column string) time.Time {
	switch v := r[column].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

// IsNull reports whether the column is NULL or absent.
func (r Row) IsNull(column string) bool {
	v, ok := r[column]
	return !ok || v == nil
}

// collectRows drains a result set into normalized rows, closing it on every
// path.
func collectRows(rows *sql.Rows) ([]Row, error) {
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, Classify(err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Classify(err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}

	return out, nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
