// Package bigquery is the datastore driver for Google BigQuery.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/petal-labs/petalquery/datastore"
)

// Config carries the connection settings handed to the worker at spawn.
type Config struct {
	ProjectID       string
	Location        string
	CredentialsFile string
}

// Validate reports every missing setting at once and checks that the
// credentials file exists.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ProjectID) == "" {
		missing = append(missing, "project_id")
	}
	if strings.TrimSpace(c.Location) == "" {
		missing = append(missing, "location")
	}
	if strings.TrimSpace(c.CredentialsFile) == "" {
		missing = append(missing, "credentials_file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("bigquery: missing required config: %s", strings.Join(missing, ", "))
	}
	if _, err := os.Stat(c.CredentialsFile); err != nil {
		return fmt.Errorf("bigquery: credentials file not found at %s: %w", c.CredentialsFile, err)
	}
	return nil
}

// Store implements datastore.Store with a BigQuery client.
type Store struct {
	client *bq.Client
}

var _ datastore.Store = (*Store)(nil)

// Open validates cfg and creates a client bound to the project and location.
func Open(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = append([]option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}, opts...)
	client, err := bq.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery: new client: %w", err)
	}
	client.Location = cfg.Location
	return &Store{client: client}, nil
}

// ListDatasets returns the project's dataset ids.
func (s *Store) ListDatasets(ctx context.Context) ([]string, error) {
	it := s.client.Datasets(ctx)
	var names []string
	for {
		ds, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery: list datasets: %w", err)
		}
		names = append(names, ds.DatasetID)
	}
}

// ListTables returns the table ids of dataset.
func (s *Store) ListTables(ctx context.Context, dataset string) ([]string, error) {
	if err := datastore.CheckIdentifier(dataset); err != nil {
		return nil, err
	}
	it := s.client.Dataset(dataset).Tables(ctx)
	var names []string
	for {
		table, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery: list tables: %w", err)
		}
		names = append(names, table.TableID)
	}
}

// DescribeTable reads the table's DDL from INFORMATION_SCHEMA.TABLES.
func (s *Store) DescribeTable(ctx context.Context, dataset, table string) ([]datastore.Row, error) {
	if err := datastore.CheckIdentifier(dataset); err != nil {
		return nil, err
	}
	return s.Query(ctx, describeQuery(dataset), datastore.Param{Name: "table_name", Value: table})
}

func describeQuery(dataset string) string {
	return "SELECT ddl FROM `" + dataset + ".INFORMATION_SCHEMA.TABLES` WHERE table_name = @table_name"
}

// Query runs sql as a BigQuery job and reads every row.
func (s *Store) Query(ctx context.Context, sql string, params ...datastore.Param) ([]datastore.Row, error) {
	q := s.client.Query(sql)
	q.Location = s.client.Location
	for _, p := range params {
		q.Parameters = append(q.Parameters, bq.QueryParameter{Name: p.Name, Value: p.Value})
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}

	out := []datastore.Row{}
	for {
		var values []bq.Value
		err := it.Next(&values)
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rowFromValues(it.Schema, values))
	}
}

func rowFromValues(schema bq.Schema, values []bq.Value) datastore.Row {
	columns := make([]string, len(schema))
	for i, field := range schema {
		columns[i] = field.Name
	}
	converted := make([]any, len(values))
	for i, v := range values {
		converted[i] = v
	}
	return datastore.NewRow(columns, converted)
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
