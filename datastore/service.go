package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// InvalidTableNameError is returned when a table name is not of the form
// "dataset.table".
type InvalidTableNameError struct {
	Name string
}

func (e *InvalidTableNameError) Error() string {
	return "Invalid table name: " + e.Name
}

// ParseTableName splits "dataset.table" into its parts.
func ParseTableName(name string) (dataset, table string, err error) {
	parts := strings.Split(name, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &InvalidTableNameError{Name: name}
	}
	return parts[0], parts[1], nil
}

// Service implements the tool operations on top of a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService wraps store. A nil logger uses slog.Default.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ListTables returns "dataset.table" names for the datasets in filter, or
// for every dataset when filter is empty. Order follows dataset enumeration
// order, then table enumeration order.
func (s *Service) ListTables(ctx context.Context, filter []string) ([]string, error) {
	datasets := filter
	if len(datasets) == 0 {
		all, err := s.store.ListDatasets(ctx)
		if err != nil {
			return nil, fmt.Errorf("list datasets: %w", err)
		}
		datasets = all
	}
	s.logger.Debug("listing tables", "datasets", len(datasets))

	tables := []string{}
	for _, dataset := range datasets {
		names, err := s.store.ListTables(ctx, dataset)
		if err != nil {
			return nil, fmt.Errorf("list tables in %s: %w", dataset, err)
		}
		for _, name := range names {
			tables = append(tables, dataset+"."+name)
		}
	}
	return tables, nil
}

// DescribeTable returns the DDL rows for "dataset.table".
func (s *Service) DescribeTable(ctx context.Context, tableName string) ([]Row, error) {
	dataset, table, err := ParseTableName(tableName)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("describing table", "dataset", dataset, "table", table)
	rows, err := s.store.DescribeTable(ctx, dataset, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", tableName, err)
	}
	return rows, nil
}

// ExecuteQuery runs query and returns every row.
func (s *Service) ExecuteQuery(ctx context.Context, query string) ([]Row, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	rows, err := s.store.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("query returned rows", "rows", len(rows))
	return rows, nil
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
