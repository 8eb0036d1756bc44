// Package datastore defines the narrow interface the worker's tools use to
// reach the analytical database, and the operations built on top of it.
package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDatasetNotFound is returned when a named dataset does not exist.
	ErrDatasetNotFound = errors.New("datastore: dataset not found")
	// ErrInvalidIdentifier is returned for dataset or table names that cannot
	// be used as identifiers.
	ErrInvalidIdentifier = errors.New("datastore: invalid identifier")
)

// Store is implemented by each database driver.
type Store interface {
	// ListDatasets returns dataset names in the store's enumeration order.
	ListDatasets(ctx context.Context) ([]string, error)
	// ListTables returns the table names of one dataset in enumeration order.
	ListTables(ctx context.Context, dataset string) ([]string, error)
	// DescribeTable returns rows with a single "ddl" column.
	DescribeTable(ctx context.Context, dataset, table string) ([]Row, error)
	// Query runs read-only SQL with optional named parameters.
	Query(ctx context.Context, sql string, params ...Param) ([]Row, error)
	Close() error
}

// Param is a named query parameter.
type Param struct {
	Name  string
	Value any
}

// Field is one column value of a row.
type Field struct {
	Name  string
	Value any
}

// Row is one result row. Column order is preserved when encoded as JSON.
type Row []Field

// Get returns the value of the named column.
func (r Row) Get(name string) (any, bool) {
	for _, field := range r {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

// Map returns the row as a column name to value mapping.
func (r Row) Map() map[string]any {
	out := make(map[string]any, len(r))
	for _, field := range r {
		out[field.Name] = field.Value
	}
	return out
}

// MarshalJSON encodes the row as an object with keys in column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(field.Value)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", field.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewRow pairs column names with values.
func NewRow(columns []string, values []any) Row {
	row := make(Row, len(columns))
	for i, name := range columns {
		row[i] = Field{Name: name}
		if i < len(values) {
			row[i].Value = values[i]
		}
	}
	return row
}

// ValidIdentifier reports whether name is a plain dataset or table name:
// letters, digits, underscores and hyphens, not starting with a hyphen.
func ValidIdentifier(name string) bool {
	if name == "" || len(name) > 1024 || strings.HasPrefix(name, "-") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// CheckIdentifier returns ErrInvalidIdentifier wrapped with name when name
// is not a valid identifier.
func CheckIdentifier(name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}
